package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"runsched/internal/domain"
	"runsched/internal/eventbus"
	"runsched/internal/interval"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

// Config holds the tunables that may change at runtime.
type Config struct {
	Horizon        time.Duration
	StragglerGrace time.Duration
	OverdueGrace   time.Duration
	TimeoutGrace   time.Duration
	IndexRetention time.Duration
	Transitions    domain.Transitions
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 24 * time.Hour
	}
	if c.StragglerGrace <= 0 {
		c.StragglerGrace = 5 * time.Second
	}
	if c.OverdueGrace <= 0 {
		c.OverdueGrace = 10 * time.Second
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = 60 * time.Second
	}
	if c.IndexRetention <= 0 {
		c.IndexRetention = 24 * time.Hour
	}
	if len(c.Transitions) == 0 {
		c.Transitions = domain.DefaultTransitions()
	}
	return c
}

// Callouts are the tool procedures the engine depends on.
type Callouts interface {
	ParticipantData(ctx context.Context, tool string, participant int, test json.RawMessage) (json.RawMessage, error)
	MergedResults(ctx context.Context, tool string, test, results json.RawMessage) (json.RawMessage, error)
}

// Recorder receives operation outcomes. Outcome is "ok" or an error kind name.
type Recorder interface {
	Admission(ctx context.Context, outcome string)
	Update(ctx context.Context, outcome string)
	SweepTransition(ctx context.Context, from, to domain.State)
}

// PurgeFunc is the retention hook invoked at the end of every sweep.
type PurgeFunc func(ctx context.Context, now time.Time) error

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithPurge installs a retention hook. The default does nothing.
func WithPurge(fn PurgeFunc) Option { return func(s *Service) { s.purge = fn } }

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option { return func(s *Service) { s.rec = r } }

type Service struct {
	mu  sync.RWMutex
	cfg Config

	store    storage.Store
	callouts Callouts
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	purge    PurgeFunc
	rec      Recorder

	imu       sync.Mutex
	index     *interval.Index
	reserveID atomic.Int64 // negative ids for in-flight admissions

	locks runLocks

	smu       sync.Mutex
	lastSweep SweepResult
	sweeps    uint64
	defects   uint64
}

func New(cfg Config, store storage.Store, callouts Callouts, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		callouts: callouts,
		bus:      bus,
		log:      log.With(logx.String("comp", "scheduler")),
		now:      time.Now,
		index:    interval.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps tunables. In-flight operations keep the values they started with.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info("config applied",
		logx.Duration("horizon", cfg.Horizon),
		logx.Duration("straggler", cfg.StragglerGrace),
		logx.Duration("overdue", cfg.OverdueGrace),
		logx.Duration("timeout", cfg.TimeoutGrace),
		logx.String("transitions", cfg.Transitions.String()),
	)
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start rebuilds the interval index from the store.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.config()
	now := s.now()
	runs, err := s.store.ListRuns(ctx, storage.RunFilter{EndAfter: now.Add(-cfg.IndexRetention)})
	if err != nil {
		return err
	}
	s.imu.Lock()
	s.index = interval.New()
	for _, r := range runs {
		if r.Indexed() {
			s.index.Insert(entryOf(r))
		}
	}
	n := s.index.Len()
	s.imu.Unlock()
	s.log.Info("index restored", logx.Int("entries", n), logx.Int("scanned", len(runs)))
	return nil
}

// Stop waits for per-run work to drain or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for s.locks.held() > 0 {
		select {
		case <-ctx.Done():
			s.log.Warn("stop timed out with runs locked", logx.Int("locked", s.locks.held()))
			return
		case <-t.C:
		}
	}
	s.log.Info("service stopped")
}

func entryOf(r domain.Run) interval.Entry {
	return interval.Entry{ID: r.ID, Start: r.Range.Start, End: r.Range.End, Exclusive: r.Class.Exclusive}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return domain.KindOf(err).String()
}
