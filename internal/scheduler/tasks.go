package scheduler

import (
	"context"
	"errors"
	"strings"

	"runsched/internal/domain"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

// PutTask registers or replaces a task definition. The run counter of an
// existing task is preserved.
func (s *Service) PutTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	t.ID = strings.TrimSpace(t.ID)
	t.Tool = strings.TrimSpace(t.Tool)
	switch {
	case t.ID == "":
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, "task id required")
	case t.Tool == "":
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, "task tool required")
	case t.Duration <= 0:
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, "task duration must be positive")
	case t.Participant < 0:
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, "participant must not be negative")
	case t.Class.Anytime && t.Class.Exclusive:
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, "a task cannot be both anytime and exclusive")
	}

	prev, err := s.store.GetTask(ctx, t.ID)
	switch {
	case err == nil:
		t.Created = prev.Created
		t.RunCount = prev.RunCount
	case errors.Is(err, storage.ErrNotFound):
		t.Created = s.now()
		t.RunCount = 0
	default:
		return domain.Task{}, err
	}
	if err := s.store.PutTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.log.Info("task registered", logx.String("task", t.ID), logx.String("tool", t.Tool),
		logx.Int("participant", t.Participant), logx.Duration("duration", t.Duration))
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Task{}, domain.Errorf(domain.ErrUnknownTask, "%q", id)
	}
	return t, err
}

// GetRun looks a run up by its external id.
func (s *Service) GetRun(ctx context.Context, externalID string) (domain.Run, error) {
	r, err := s.store.GetRunByExternalID(ctx, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Run{}, domain.Errorf(domain.ErrUnknownRun, "%q", externalID)
	}
	return r, err
}

func (s *Service) ListRuns(ctx context.Context, f storage.RunFilter) ([]domain.Run, error) {
	return s.store.ListRuns(ctx, f)
}
