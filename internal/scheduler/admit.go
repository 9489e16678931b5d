package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"runsched/internal/domain"
	"runsched/internal/interval"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

// AdmitRequest asks for a new run. A zero Range.End means start plus the
// task's duration. A non-empty NonstartReason records the run directly as
// nonstart, with no conflict check.
type AdmitRequest struct {
	TaskID         string
	Range          domain.TimeRange
	ExternalID     string
	NonstartReason string
}

// Admit validates and commits a new run. On any error nothing is stored,
// nothing is reserved and no event is published.
func (s *Service) Admit(ctx context.Context, req AdmitRequest) (domain.Run, error) {
	run, err := s.admit(ctx, req)
	if s.rec != nil {
		s.rec.Admission(ctx, outcome(err))
	}
	if err != nil {
		s.log.Debug("admission rejected", logx.String("task", req.TaskID), logx.String("kind", domain.KindOf(err).String()), logx.Err(err))
		return domain.Run{}, err
	}
	s.log.Info("run admitted",
		logx.Int64("run", run.ID),
		logx.String("uuid", run.ExternalID),
		logx.String("task", run.TaskID),
		logx.String("state", run.State.String()),
		logx.Time("start", run.Range.Start),
		logx.Time("end", run.Range.End),
	)
	s.emit(run, false)
	return run, nil
}

func (s *Service) admit(ctx context.Context, req AdmitRequest) (domain.Run, error) {
	cfg := s.config()
	now := s.now()

	if req.Range.Start.IsZero() {
		return domain.Run{}, domain.Errorf(domain.ErrInvalidInput, "start time required")
	}
	if !req.Range.End.IsZero() {
		if err := checkHorizon(req.Range, now, cfg); err != nil {
			return domain.Run{}, err
		}
	}

	task, err := s.store.GetTask(ctx, req.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Run{}, domain.Errorf(domain.ErrUnknownTask, "%q", req.TaskID)
	}
	if err != nil {
		return domain.Run{}, err
	}

	rng := req.Range
	if rng.End.IsZero() {
		rng.End = rng.Start.Add(task.Duration)
		if err := checkHorizon(rng, now, cfg); err != nil {
			return domain.Run{}, err
		}
	}
	if !rng.Start.Before(rng.End) {
		return domain.Run{}, domain.Errorf(domain.ErrInvalidInput, "empty time range")
	}

	nonstart := strings.TrimSpace(req.NonstartReason) != ""
	checked := !nonstart && !task.Class.Anytime

	// Early answer only; the authoritative check happens under imu below.
	if checked {
		if err := s.conflict(rng, task.Class.Exclusive); err != nil {
			return domain.Run{}, err
		}
	}

	extID, err := assignExternalID(task, req.ExternalID)
	if err != nil {
		return domain.Run{}, err
	}

	pdata, err := s.callouts.ParticipantData(ctx, task.Tool, task.Participant, task.Test)
	if err != nil {
		return domain.Run{}, err
	}

	run := domain.Run{
		ExternalID:      extID,
		TaskID:          task.ID,
		Participant:     task.Participant,
		Class:           task.Class,
		Range:           rng,
		State:           domain.StatePending,
		ParticipantData: pdata,
		Created:         now,
		Updated:         now,
	}
	if nonstart {
		run.State = domain.StateNonstart
		run.Errors = strings.TrimSpace(req.NonstartReason)
	}

	var reserved int64
	if checked {
		reserved, err = s.reserve(rng, task.Class.Exclusive)
		if err != nil {
			return domain.Run{}, err
		}
	}

	id, err := s.store.CreateRun(ctx, run)
	if err != nil {
		if checked {
			s.release(reserved)
		}
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			return domain.Run{}, domain.Errorf(domain.ErrInvalidUUIDAssignment, "external id %q already in use", extID)
		case errors.Is(err, storage.ErrNotFound):
			return domain.Run{}, domain.Errorf(domain.ErrUnknownTask, "%q", req.TaskID)
		}
		return domain.Run{}, err
	}
	run.ID = id
	if checked {
		s.confirm(reserved, run)
	}
	return run, nil
}

func checkHorizon(r domain.TimeRange, now time.Time, cfg Config) error {
	if ahead := r.End.Sub(now); ahead > cfg.Horizon {
		return domain.Errorf(domain.ErrHorizonExceeded, "run ends %s from now, horizon is %s", ahead.Round(time.Second), cfg.Horizon)
	}
	return nil
}

// assignExternalID applies the id policy: the lead never supplies one and
// gets a fresh UUID; everyone else must supply the id the lead assigned.
func assignExternalID(task domain.Task, supplied string) (string, error) {
	supplied = strings.TrimSpace(supplied)
	if task.Lead() {
		if supplied != "" {
			return "", domain.Errorf(domain.ErrInvalidUUIDAssignment, "lead participant must not supply an external id")
		}
		return uuid.New().String(), nil
	}
	if supplied == "" {
		return "", domain.Errorf(domain.ErrInvalidUUIDAssignment, "participant %d must supply the external id assigned by the lead", task.Participant)
	}
	id, err := uuid.Parse(supplied)
	if err != nil {
		return "", domain.Errorf(domain.ErrInvalidUUIDAssignment, "external id %q is not a UUID", supplied)
	}
	return id.String(), nil
}

func (s *Service) conflict(r domain.TimeRange, exclusive bool) error {
	s.imu.Lock()
	defer s.imu.Unlock()
	return conflictLocked(s.index, r, exclusive)
}

func conflictLocked(idx *interval.Index, r domain.TimeRange, exclusive bool) error {
	hit, ok := idx.FirstConflict(r.Start, r.End, exclusive)
	if !ok {
		return nil
	}
	if hit.ID < 0 {
		return domain.Errorf(domain.ErrSchedulingConflict, "overlaps a run being admitted [%s, %s)", hit.Start.Format(time.RFC3339), hit.End.Format(time.RFC3339))
	}
	return domain.Errorf(domain.ErrSchedulingConflict, "overlaps run %d [%s, %s)", hit.ID, hit.Start.Format(time.RFC3339), hit.End.Format(time.RFC3339))
}

// reserve performs the authoritative check and claims the range under a
// temporary negative id, so the slot is held while the store commits.
func (s *Service) reserve(r domain.TimeRange, exclusive bool) (int64, error) {
	s.imu.Lock()
	defer s.imu.Unlock()
	if err := conflictLocked(s.index, r, exclusive); err != nil {
		return 0, err
	}
	id := s.reserveID.Add(-1)
	s.index.Insert(interval.Entry{ID: id, Start: r.Start, End: r.End, Exclusive: exclusive})
	return id, nil
}

func (s *Service) release(reserved int64) {
	s.imu.Lock()
	s.index.Remove(reserved)
	s.imu.Unlock()
}

func (s *Service) confirm(reserved int64, run domain.Run) {
	s.imu.Lock()
	s.index.Remove(reserved)
	s.index.Insert(entryOf(run))
	s.imu.Unlock()
}
