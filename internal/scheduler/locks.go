package scheduler

import "sync"

// runLocks is a keyed mutex: one lock per run id, created on demand and
// dropped when the last holder or waiter leaves.
type runLocks struct {
	mu sync.Mutex
	m  map[int64]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func (l *runLocks) lock(id int64) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[int64]*runLock{}
	}
	rl := l.m[id]
	if rl == nil {
		rl = &runLock{}
		l.m[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

func (l *runLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
