package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "runsched/pkg/logx"
)

// Job names.
const (
	JobSweep = "sweep"
	JobPurge = "purge"
)

// Config controls trigger cadence.
type Config struct {
	SweepEvery string        // default "@every 20s"
	PurgeEvery string        // default "@hourly"
	Timeout    time.Duration // per call; default 1m
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SweepEvery) == "" {
		c.SweepEvery = "@every 20s"
	}
	if strings.TrimSpace(c.PurgeEvery) == "" {
		c.PurgeEvery = "@hourly"
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

func (c Config) spec(name string) string {
	switch name {
	case JobSweep:
		return c.SweepEvery
	case JobPurge:
		return c.PurgeEvery
	}
	return ""
}

// Validate checks every schedule.
func (c Config) Validate() error {
	c = c.withDefaults()
	for _, name := range []string{JobSweep, JobPurge} {
		if _, _, err := Compile(c.spec(name)); err != nil {
			return fmt.Errorf("maintenance.%s: %w", name, err)
		}
	}
	return nil
}

// JobInfo is one row of Snapshot.
type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	LastErr  string        `json:"last_error,omitempty"`
	LastTook time.Duration `json:"last_took"`
}

type jobDef struct {
	name    string
	run     func(ctx context.Context) error
	entryID cron.EntryID

	mu       sync.Mutex
	runs     uint64
	failures uint64
	lastErr  string
	lastTook time.Duration
}

// Service owns the cron instance that drives registered jobs.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	c       *cron.Cron
	ctx     context.Context
	jobs    []*jobDef
	stopped bool

	// purgeSpec is read by Gate from inside running jobs, so it must not
	// need mu.
	purgeSpec atomic.Value // string
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "maintenance"))}
	s.purgeSpec.Store(s.cfg.PurgeEvery)
	return s
}

// Add registers a cron-driven job under one of the known names. Jobs added
// after Start are scheduled immediately.
func (s *Service) Add(name string, run func(ctx context.Context) error) error {
	if s.cfg.spec(name) == "" {
		return fmt.Errorf("maintenance: unknown job %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("maintenance: job %q already registered", name)
		}
	}
	d := &jobDef{name: name, run: run}
	s.jobs = append(s.jobs, d)
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

// Start starts cron triggering. ctx bounds every job call.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	s.stopped = false
	if err := s.startLocked(); err != nil {
		return err
	}
	s.log.Info("service started", logx.Int("jobs", len(s.jobs)), logx.String("sweep", s.cfg.SweepEvery))
	return nil
}

// Stop stops triggering and waits for running calls or ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopped = true
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("stop timed out with jobs running")
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the cadence. A running cron is rebuilt when a schedule
// changed. In-flight jobs finish first; they are waited on without mu held
// because they may call back into the service through Gate.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.purgeSpec.Store(cfg.PurgeEvery)
	c := s.c
	if c == nil || (old.SweepEvery == cfg.SweepEvery && old.PurgeEvery == cfg.PurgeEvery) {
		s.mu.Unlock()
		return nil
	}
	s.c = nil
	s.mu.Unlock()

	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop, Start or a newer Apply may have run while we waited.
	if s.stopped || s.c != nil {
		return nil
	}
	if err := s.startLocked(); err != nil {
		return err
	}
	s.log.Info("service restarted", logx.String("sweep", s.cfg.SweepEvery), logx.String("purge", s.cfg.PurgeEvery))
	return nil
}

// Snapshot lists registered jobs by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	c := s.c
	cfg := s.cfg
	jobs := append([]*jobDef(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		info := JobInfo{
			Name:     j.name,
			Spec:     cfg.spec(j.name),
			Runs:     j.runs,
			Failures: j.failures,
			LastErr:  j.lastErr,
			LastTook: j.lastTook,
		}
		id := j.entryID
		j.mu.Unlock()
		if c != nil && id != 0 {
			e := c.Entry(id)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) startLocked() error {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, j := range s.jobs {
		if err := s.addLocked(j); err != nil {
			s.c = nil
			return err
		}
	}
	s.c.Start()
	return nil
}

func (s *Service) addLocked(d *jobDef) error {
	sched, _, err := Compile(s.cfg.spec(d.name))
	if err != nil {
		return fmt.Errorf("maintenance.%s: %w", d.name, err)
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := s.cfg.Timeout
	id := s.c.Schedule(sched, cron.FuncJob(func() { s.call(ctx, timeout, d) }))
	d.mu.Lock()
	d.entryID = id
	d.mu.Unlock()
	return nil
}

func (s *Service) call(parent context.Context, timeout time.Duration, d *jobDef) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := d.run(ctx)
	took := time.Since(start)

	d.mu.Lock()
	d.runs++
	d.lastTook = took
	d.lastErr = ""
	if err != nil {
		d.failures++
		d.lastErr = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Trace("job done", logx.String("job", d.name), logx.Duration("took", took))
}

// Gate returns a purge hook that forwards to fn at most once per PurgeEvery
// tick, using the time the caller passes in. It follows Apply.
func (s *Service) Gate(fn func(ctx context.Context, now time.Time) error) func(ctx context.Context, now time.Time) error {
	var (
		mu   sync.Mutex
		spec string
		next time.Time
	)
	return func(ctx context.Context, now time.Time) error {
		cur, _ := s.purgeSpec.Load().(string)

		mu.Lock()
		if cur != spec {
			sched, _, err := Compile(cur)
			if err != nil {
				mu.Unlock()
				return err
			}
			spec = cur
			next = sched.Next(now.In(time.UTC))
		}
		if now.Before(next) {
			mu.Unlock()
			return nil
		}
		sched, _, _ := Compile(spec)
		next = sched.Next(now.In(time.UTC))
		mu.Unlock()
		return fn(ctx, now)
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
