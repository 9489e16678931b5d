package callout

import (
	"sync"
	"time"
)

// breakerState tracks consecutive failures for one tool.
//
// Consecutive-failure breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// BreakerConfig configures the per-tool breaker. Trip < 0 disables it.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) effective() (BreakerConfig, bool) {
	if c.Trip < 0 {
		return c, false
	}
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c, true
}

type breakers struct {
	mu sync.Mutex
	m  map[string]*breakerState
}

func (b *breakers) state(tool string) *breakerState {
	if b.m == nil {
		b.m = make(map[string]*breakerState)
	}
	st := b.m[tool]
	if st == nil {
		st = &breakerState{}
		b.m[tool] = st
	}
	return st
}

// open reports whether tool is currently short-circuited.
func (b *breakers) open(now time.Time, tool string, cfg BreakerConfig) (bool, time.Time) {
	cc, ok := cfg.effective()
	if !ok {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(tool)
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *breakers) record(now time.Time, tool string, cfg BreakerConfig, err error) {
	cc, ok := cfg.effective()
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(tool)
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	if err == nil {
		*st = breakerState{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.Trip {
		return
	}
	d := cc.BaseDelay
	for i := 0; i < st.fails-cc.Trip; i++ {
		d *= 2
		if d >= cc.MaxDelay {
			break
		}
	}
	st.openUntil = now.Add(min(d, cc.MaxDelay))
}

func (b *breakers) counts(now time.Time) (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total = len(b.m)
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
