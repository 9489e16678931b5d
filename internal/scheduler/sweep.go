package scheduler

import (
	"context"
	"errors"
	"time"

	"runsched/internal/domain"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	At       time.Time     `json:"at"`
	Took     time.Duration `json:"took"`
	Missed   int           `json:"missed"`
	Overdue  int           `json:"overdue"`
	Defects  int           `json:"defects"`
	Failures int           `json:"failures"`
	Pruned   int           `json:"pruned"`
}

// escalation is one time-driven rule: runs in from that are due at the
// cutoff move to to.
type escalation struct {
	name   string
	from   domain.State
	to     domain.State
	filter func(cutoff time.Time) storage.RunFilter
	due    func(r domain.Run, cutoff time.Time) bool
	grace  func(Config) time.Duration
}

var escalations = []escalation{
	{
		name: "straggler",
		from: domain.StatePending,
		to:   domain.StateMissed,
		filter: func(c time.Time) storage.RunFilter {
			return storage.RunFilter{States: []domain.State{domain.StatePending}, StartBefore: c}
		},
		due:   func(r domain.Run, c time.Time) bool { return r.Range.Start.Before(c) },
		grace: func(c Config) time.Duration { return c.StragglerGrace },
	},
	{
		name: "overdue",
		from: domain.StateRunning,
		to:   domain.StateOverdue,
		filter: func(c time.Time) storage.RunFilter {
			return storage.RunFilter{States: []domain.State{domain.StateRunning}, EndBefore: c}
		},
		due:   func(r domain.Run, c time.Time) bool { return r.Range.End.Before(c) },
		grace: func(c Config) time.Duration { return c.OverdueGrace },
	},
	{
		name: "timeout",
		from: domain.StateOverdue,
		to:   domain.StateMissed,
		filter: func(c time.Time) storage.RunFilter {
			return storage.RunFilter{States: []domain.State{domain.StateOverdue}, EndBefore: c}
		},
		due:   func(r domain.Run, c time.Time) bool { return r.Range.End.Before(c) },
		grace: func(c Config) time.Duration { return c.TimeoutGrace },
	},
}

// Sweep runs one maintenance pass against the current clock. A failure on
// one run is logged and the pass moves on.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	cfg := s.config()
	now := s.now()
	res := SweepResult{At: now}
	log := s.log.With(logx.String("op", "sweep"))

	var firstErr error
	for _, esc := range escalations {
		cutoff := now.Add(-esc.grace(cfg))
		runs, err := s.store.ListRuns(ctx, esc.filter(cutoff))
		if err != nil {
			log.Error("list runs failed", logx.String("rule", esc.name), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, r := range runs {
			moved, err := s.escalate(ctx, cfg, esc, r.ID, cutoff, now)
			switch {
			case errors.Is(err, domain.ErrInvalidStateTransition):
				res.Defects++
				log.Error("sweep produced an invalid transition",
					logx.String("rule", esc.name), logx.Int64("run", r.ID), logx.Err(err))
			case err != nil:
				res.Failures++
				log.Warn("sweep update failed", logx.String("rule", esc.name), logx.Int64("run", r.ID), logx.Err(err))
			case moved && esc.to == domain.StateMissed:
				res.Missed++
			case moved:
				res.Overdue++
			}
		}
	}

	if s.purge != nil {
		if err := s.purge(ctx, now); err != nil {
			log.Warn("purge hook failed", logx.Err(err))
		}
	}

	s.imu.Lock()
	res.Pruned = s.index.PruneBefore(now.Add(-cfg.IndexRetention))
	s.imu.Unlock()

	res.Took = s.now().Sub(now)
	s.smu.Lock()
	s.lastSweep = res
	s.sweeps++
	s.defects += uint64(res.Defects)
	s.smu.Unlock()

	if res.Missed+res.Overdue+res.Defects+res.Failures > 0 {
		log.Info("sweep done", logx.Int("missed", res.Missed), logx.Int("overdue", res.Overdue),
			logx.Int("defects", res.Defects), logx.Int("failures", res.Failures), logx.Int("pruned", res.Pruned))
	}
	return res, firstErr
}

// escalate re-reads the run under its lock, so a concurrent update that
// already moved it wins, and then applies the rule through the same
// transition check callers go through.
func (s *Service) escalate(ctx context.Context, cfg Config, esc escalation, id int64, cutoff, now time.Time) (bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return false, err
	}
	if r.State != esc.from || !esc.due(r, cutoff) {
		return false, nil
	}
	if !cfg.Transitions.Valid(r.State, esc.to) {
		return false, domain.Errorf(domain.ErrInvalidStateTransition, "%s -> %s", r.State, esc.to)
	}
	from := r.State
	r.State = esc.to
	r.Updated = now
	if err := s.store.UpdateRun(ctx, r); err != nil {
		return false, err
	}
	if s.rec != nil {
		s.rec.SweepTransition(ctx, from, esc.to)
	}
	s.log.Info("run escalated", logx.Int64("run", id), logx.String("rule", esc.name),
		logx.String("from", from.String()), logx.String("to", esc.to.String()))
	s.emit(r, false)
	return true, nil
}
