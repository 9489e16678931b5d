package scheduler

import (
	"context"
	"errors"
	"time"

	"runsched/internal/domain"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

// UpdateByExternalID resolves the run by its external id and applies p.
func (s *Service) UpdateByExternalID(ctx context.Context, externalID string, p domain.Patch) (domain.Run, error) {
	r, err := s.store.GetRunByExternalID(ctx, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		err = domain.Errorf(domain.ErrUnknownRun, "%q", externalID)
	}
	if err != nil {
		if s.rec != nil {
			s.rec.Update(ctx, outcome(err))
		}
		return domain.Run{}, err
	}
	return s.Update(ctx, r.ID, p)
}

// Update validates p against one consistent snapshot of the run and
// commits it, or fails with no effect.
func (s *Service) Update(ctx context.Context, id int64, p domain.Patch) (domain.Run, error) {
	unlock := s.locks.lock(id)
	prev, next, merged, err := s.update(ctx, id, p)
	unlock()

	if s.rec != nil {
		s.rec.Update(ctx, outcome(err))
	}
	if err != nil {
		s.log.Debug("update rejected", logx.Int64("run", id), logx.String("kind", domain.KindOf(err).String()), logx.Err(err))
		return domain.Run{}, err
	}
	if prev.State != next.State {
		s.log.Info("run state changed", logx.Int64("run", id), logx.String("from", prev.State.String()), logx.String("to", next.State.String()))
	}
	s.emit(next, merged)
	return next, nil
}

func (s *Service) update(ctx context.Context, id int64, p domain.Patch) (prev, next domain.Run, merged bool, err error) {
	cfg := s.config()
	now := s.now()

	prev, err = s.store.GetRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return prev, next, false, domain.Errorf(domain.ErrUnknownRun, "%d", id)
	}
	if err != nil {
		return prev, next, false, err
	}
	next = prev.Clone()

	if p.Start != nil && !p.Start.Equal(prev.Range.Start) {
		return prev, next, false, domain.Errorf(domain.ErrImmutableFieldChanged, "start cannot move")
	}
	if p.End != nil {
		if p.End.After(prev.Range.End) {
			return prev, next, false, domain.Errorf(domain.ErrImmutableFieldChanged, "end can only be shortened")
		}
		if p.End.Before(prev.Range.Start) {
			return prev, next, false, domain.Errorf(domain.ErrInvalidInput, "end before start")
		}
		next.Range.End = *p.End
	}
	if p.ExternalID != nil && *p.ExternalID != prev.ExternalID {
		return prev, next, false, domain.Errorf(domain.ErrImmutableFieldChanged, "external id cannot change")
	}

	target := prev.State
	statusDriven := false
	if p.Status != nil {
		if prev.Range.Start.After(now) {
			return prev, next, false, domain.Errorf(domain.ErrFutureStateChange, "run starts at %s", prev.Range.Start.Format(time.RFC3339))
		}
		target = statusState(*p.Status)
		statusDriven = true
		v := *p.Status
		next.Status = &v
	}
	if p.State != nil {
		if statusDriven && *p.State != target {
			return prev, next, false, domain.Errorf(domain.ErrInvalidInput, "state %s contradicts status %d", *p.State, *p.Status)
		}
		if !p.State.Valid() {
			return prev, next, false, domain.Errorf(domain.ErrInvalidInput, "unknown state %q", string(*p.State))
		}
		target = *p.State
	}
	if !statusDriven && target != prev.State && final(target) {
		return prev, next, false, domain.Errorf(domain.ErrInvalidStateTransition, "%s -> %s requires a status report", prev.State, target)
	}
	if !legal(cfg.Transitions, prev.State, target, statusDriven) {
		return prev, next, false, domain.Errorf(domain.ErrInvalidStateTransition, "%s -> %s", prev.State, target)
	}
	next.State = target

	if p.LocalResult.Set {
		next.LocalResult = optional(p.LocalResult)
	}
	if p.ParticipantDataFull.Set {
		next.ParticipantDataFull = optional(p.ParticipantDataFull)
	}

	var task *domain.Task
	loadTask := func() (domain.Task, error) {
		if task != nil {
			return *task, nil
		}
		t, err := s.store.GetTask(ctx, prev.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			err = domain.Errorf(domain.ErrUnknownTask, "%q", prev.TaskID)
		}
		if err != nil {
			return t, err
		}
		task = &t
		return t, nil
	}

	// A shortened range is a structural change; participant data follows it.
	if !next.Range.End.Equal(prev.Range.End) {
		t, err := loadTask()
		if err != nil {
			return prev, next, false, err
		}
		out, err := s.callouts.ParticipantData(ctx, t.Tool, prev.Participant, t.Test)
		if err != nil {
			return prev, next, false, err
		}
		next.ParticipantData = out
	}

	if p.ResultFull.Set {
		switch {
		case p.ResultFull.Cleared():
			next.ResultFull = nil
			next.ResultMerged = nil
		case !domain.EqualJSON(prev.ResultFull, p.ResultFull.Value):
			t, err := loadTask()
			if err != nil {
				return prev, next, false, err
			}
			out, err := s.callouts.MergedResults(ctx, t.Tool, t.Test, p.ResultFull.Value)
			if err != nil {
				return prev, next, false, err
			}
			if domain.IsAbsentJSON(out) {
				return prev, next, false, &domain.CalloutError{Tool: t.Tool, Op: "merged-results", Diagnostic: "merge produced no result"}
			}
			next.ResultFull = p.ResultFull.Value
			next.ResultMerged = out
			merged = true
		}
	}

	next.Updated = now
	if err := s.store.UpdateRun(ctx, next); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = domain.Errorf(domain.ErrUnknownRun, "%d", id)
		}
		return prev, next, false, err
	}

	if next.Indexed() && next.Range.End.Before(prev.Range.End) {
		s.imu.Lock()
		s.index.Shrink(id, next.Range.End)
		s.imu.Unlock()
	}
	return prev, next, merged, nil
}

// statusState maps a reported exit status to a final state.
func statusState(status int) domain.State {
	if status == 0 {
		return domain.StateFinished
	}
	return domain.StateFailed
}

// final reports whether s is only reachable through a status report.
func final(s domain.State) bool {
	return s == domain.StateFinished || s == domain.StateFailed
}

// legal checks one transition. A status report on a pending run means the
// participant ran it without reporting the start, so both hops must be legal.
func legal(t domain.Transitions, from, to domain.State, statusDriven bool) bool {
	if t.Valid(from, to) {
		return true
	}
	return statusDriven && from == domain.StatePending &&
		t.Valid(domain.StatePending, domain.StateRunning) && t.Valid(domain.StateRunning, to)
}

func optional(o domain.OptionalJSON) []byte {
	if o.Cleared() {
		return nil
	}
	return o.Value
}
