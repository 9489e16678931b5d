package callout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"runsched/internal/domain"
	logx "runsched/pkg/logx"
)

// Config bounds every callout.
type Config struct {
	Timeout       time.Duration
	MaxConcurrent int
	Breaker       BreakerConfig
}

// Snapshot is a point-in-time view for health output.
type Snapshot struct {
	Calls        uint64 `json:"calls"`
	Failures     uint64 `json:"failures"`
	InFlight     int64  `json:"in_flight"`
	Tools        int    `json:"tools"`
	OpenBreakers int    `json:"open_breakers"`
}

// Executor wraps a Runner with timeout, permits and a per-tool breaker.
// It satisfies the scheduler's callout dependency.
type Executor struct {
	runner Runner
	log    logx.Logger
	now    func() time.Time

	mu      sync.RWMutex
	cfg     Config
	permits chan struct{}

	breakers breakers

	calls    atomic.Uint64
	failures atomic.Uint64
	inFlight atomic.Int64
}

// NewExecutor returns an executor over runner.
func NewExecutor(runner Runner, cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{runner: runner, log: log.With(logx.String("comp", "callout")), now: time.Now}
	e.Apply(cfg)
	return e
}

// Apply swaps limits at runtime. In-flight calls keep their old permit.
func (e *Executor) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.permits == nil || cap(e.permits) != cfg.MaxConcurrent {
		e.permits = make(chan struct{}, cfg.MaxConcurrent)
	}
	e.cfg = cfg
}

func (e *Executor) ParticipantData(ctx context.Context, tool string, participant int, test json.RawMessage) (json.RawMessage, error) {
	return e.do(ctx, tool, OpParticipantData, func(ctx context.Context) (json.RawMessage, error) {
		return e.runner.ParticipantData(ctx, tool, participant, test)
	})
}

func (e *Executor) MergedResults(ctx context.Context, tool string, test, results json.RawMessage) (json.RawMessage, error) {
	return e.do(ctx, tool, OpMergedResults, func(ctx context.Context) (json.RawMessage, error) {
		return e.runner.MergedResults(ctx, tool, test, results)
	})
}

func (e *Executor) do(ctx context.Context, tool, op string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	e.mu.RLock()
	cfg := e.cfg
	permits := e.permits
	e.mu.RUnlock()

	e.calls.Add(1)
	fail := func(diag string, err error) (json.RawMessage, error) {
		e.failures.Add(1)
		ce := &domain.CalloutError{Tool: tool, Op: op, Diagnostic: diag, Err: err}
		e.log.Warn("callout failed", logx.String("tool", tool), logx.String("op", op), logx.Err(ce))
		return nil, ce
	}

	if open, until := e.breakers.open(e.now(), tool, cfg.Breaker); open {
		return fail("circuit open until "+until.UTC().Format(time.RFC3339), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	select {
	case permits <- struct{}{}:
		defer func() { <-permits }()
	case <-ctx.Done():
		return fail("no callout slot available", ctx.Err())
	}

	e.inFlight.Add(1)
	started := e.now()
	out, err := fn(ctx)
	e.inFlight.Add(-1)

	if err == nil && !json.Valid(out) {
		err = &DiagnosticError{Diagnostic: "tool returned invalid JSON"}
	}
	e.breakers.record(e.now(), tool, cfg.Breaker, err)
	if err != nil {
		var de *DiagnosticError
		if errors.As(err, &de) {
			return fail(de.Diagnostic, de.Err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fail("timed out after "+cfg.Timeout.String(), err)
		}
		return fail("", err)
	}
	e.log.Debug("callout ok", logx.String("tool", tool), logx.String("op", op), logx.Duration("took", e.now().Sub(started)))
	return out, nil
}

// Snapshot reports call counters and breaker state.
func (e *Executor) Snapshot() Snapshot {
	total, open := e.breakers.counts(e.now())
	return Snapshot{
		Calls:        e.calls.Load(),
		Failures:     e.failures.Load(),
		InFlight:     e.inFlight.Load(),
		Tools:        total,
		OpenBreakers: open,
	}
}
