package storage

import (
	"context"
	"sort"
	"sync"

	"runsched/internal/domain"
)

// memStore keeps everything in maps. Values are cloned on the way in and
// out so callers never share backing arrays with the store.
type memStore struct {
	mu     sync.RWMutex
	closed bool

	tasks  map[string]domain.Task
	runs   map[int64]domain.Run
	byUUID map[string]int64
	nextID int64

	// onChange is called with the lock held before a write is applied; an
	// error aborts the write.
	onChange func(rec journalRecord) error
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		tasks:  map[string]domain.Task{},
		runs:   map[int64]domain.Run{},
		byUUID: map[string]int64{},
	}
}

func (s *memStore) PutTask(_ context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if old, ok := s.tasks[t.ID]; ok {
		t.RunCount = old.RunCount
		if t.Created.IsZero() {
			t.Created = old.Created
		}
	}
	t.Test = cloneRaw(t.Test)
	if err := s.notify(journalRecord{Task: &t}); err != nil {
		return err
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	t.Test = cloneRaw(t.Test)
	return t, nil
}

func (s *memStore) CreateRun(_ context.Context, r domain.Run) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	t, ok := s.tasks[r.TaskID]
	if !ok {
		return 0, ErrNotFound
	}
	if r.ExternalID != "" {
		if _, dup := s.byUUID[r.ExternalID]; dup {
			return 0, ErrDuplicate
		}
	}
	r = r.Clone()
	r.ID = s.nextID + 1
	t.RunCount++
	if err := s.notify(journalRecord{Run: &r, Task: &t}); err != nil {
		return 0, err
	}
	s.nextID = r.ID
	s.runs[r.ID] = r
	if r.ExternalID != "" {
		s.byUUID[r.ExternalID] = r.ID
	}
	s.tasks[t.ID] = t
	return r.ID, nil
}

func (s *memStore) GetRun(_ context.Context, id int64) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.Run{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *memStore) GetRunByExternalID(_ context.Context, externalID string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUUID[externalID]
	if !ok {
		return domain.Run{}, ErrNotFound
	}
	return s.runs[id].Clone(), nil
}

func (s *memStore) UpdateRun(_ context.Context, r domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old, ok := s.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	if r.ExternalID != old.ExternalID && r.ExternalID != "" {
		if _, dup := s.byUUID[r.ExternalID]; dup {
			return ErrDuplicate
		}
	}
	r = r.Clone()
	if err := s.notify(journalRecord{Run: &r}); err != nil {
		return err
	}
	s.apply(journalRecord{Run: &r})
	return nil
}

func (s *memStore) ListRuns(_ context.Context, f RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	out := make([]domain.Run, 0)
	for _, r := range s.runs {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Range.Start.Equal(out[j].Range.Start) {
			return out[i].Range.Start.Before(out[j].Range.Start)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) notify(rec journalRecord) error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange(rec)
}

// apply replays a journal record without notifying.
func (s *memStore) apply(rec journalRecord) {
	if rec.Task != nil {
		s.tasks[rec.Task.ID] = *rec.Task
	}
	if rec.Run != nil {
		r := *rec.Run
		if old, ok := s.runs[r.ID]; ok && old.ExternalID != r.ExternalID {
			delete(s.byUUID, old.ExternalID)
		}
		s.runs[r.ID] = r
		if r.ExternalID != "" {
			s.byUUID[r.ExternalID] = r.ID
		}
		if r.ID > s.nextID {
			s.nextID = r.ID
		}
	}
}

func cloneRaw(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
