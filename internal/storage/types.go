package storage

import (
	"context"
	"errors"
	"time"

	"runsched/internal/domain"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate external id")
	ErrClosed    = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunFilter selects runs. Zero fields match everything. Results are ordered
// by (start, id).
type RunFilter struct {
	TaskID      string
	States      []domain.State
	StartBefore time.Time
	EndBefore   time.Time
	EndAfter    time.Time
	Limit       int
}

func (f RunFilter) match(r domain.Run) bool {
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if r.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.StartBefore.IsZero() && !r.Range.Start.Before(f.StartBefore) {
		return false
	}
	if !f.EndBefore.IsZero() && !r.Range.End.Before(f.EndBefore) {
		return false
	}
	if !f.EndAfter.IsZero() && !r.Range.End.After(f.EndAfter) {
		return false
	}
	return true
}

// Store is the persistence API used by the scheduler and the HTTP surface.
type Store interface {
	PutTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)

	// CreateRun assigns the run id, stores the run and increments the
	// task's run counter atomically.
	CreateRun(ctx context.Context, r domain.Run) (int64, error)
	GetRun(ctx context.Context, id int64) (domain.Run, error)
	GetRunByExternalID(ctx context.Context, externalID string) (domain.Run, error)
	// UpdateRun overwrites the mutable columns of an existing run.
	UpdateRun(ctx context.Context, r domain.Run) error
	ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error)

	Close() error
}
