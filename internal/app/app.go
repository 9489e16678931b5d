package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"runsched/internal/api"
	"runsched/internal/callout"
	"runsched/internal/config"
	"runsched/internal/eventbus"
	"runsched/internal/eventsink"
	"runsched/internal/maintenance"
	"runsched/internal/observability/metrics"
	"runsched/internal/runtime/supervisor"
	"runsched/internal/scheduler"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
	"runsched/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	callouts *callout.Executor
	sched    *scheduler.Service
	maint    *maintenance.Service
	metrics  *metrics.Recorder
	api      *api.Server

	sink      *eventsink.Redis
	sinkClose io.Closer

	applied settings
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	st, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(st.logging)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(st.storage, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", st.storage.Driver))

	rec, err := metrics.New(st.metrics, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	exec := callout.NewExecutor(callout.NewRegistry(callout.ExecRunner{Dir: st.toolDir}), st.callouts, log)
	maint := maintenance.New(st.maint, log)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		callouts: exec,
		maint:    maint,
		metrics:  rec,
		applied:  st,
	}
	a.sched = scheduler.New(st.sched, store, exec, bus, log,
		scheduler.WithRecorder(rec),
		scheduler.WithPurge(maint.Gate(a.purge)),
	)
	a.api = api.New(st.api, a.sched, bus, a.health, log)

	if err := rec.Gauge("runsched.index.entries", "Runs held by the interval index.", func() int64 {
		return int64(a.sched.Snapshot().IndexEntries)
	}); err != nil {
		log.Warn("index gauge not registered", logx.Err(err))
	}
	if bs, ok := bus.(eventbus.Stats); ok {
		if err := rec.Gauge("runsched.events.dropped", "Bus events dropped for slow subscribers.", func() int64 {
			return int64(bs.Dropped())
		}); err != nil {
			log.Warn("events gauge not registered", logx.Err(err))
		}
	}
	return a, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.maint.Add(maintenance.JobSweep, func(c context.Context) error {
		_, err := a.sched.Sweep(c)
		return err
	}); err != nil {
		return err
	}
	if err := a.maint.Start(runCtx); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	if a.applied.events.URL != "" {
		dialCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		sink, client, err := eventsink.Dial(dialCtx, a.applied.events, a.log)
		cancel()
		if err != nil {
			return fmt.Errorf("events.redis_url: %w", err)
		}
		a.sink, a.sinkClose = sink, client
		a.sup.GoRestart("eventsink.redis", func(c context.Context) error { return sink.Run(c, a.bus) })
	}

	a.sup.Go("api", a.api.Run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// reloadLoop applies published configs until ctx ends. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
	drain:
		for {
			select {
			case newer, ok := <-sub:
				if !ok {
					return
				}
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(last, next)
		last = next
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	st, err := resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		if config.RequiresRestart(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(st.logging)
	a.sched.Apply(st.sched)
	a.callouts.Apply(st.callouts)
	if st.toolDir != a.applied.toolDir {
		a.log.Warn("callouts.tool_dir changed; restart required for changes to take effect")
	}
	if err := a.maint.Apply(st.maint); err != nil {
		a.log.Warn("maintenance config not applied", logx.Err(err))
	}
	a.api.SetClockAlign(st.api.ClockAlign)

	// Restart-bound parts keep what is actually running.
	st.storage, st.events, st.metrics, st.toolDir = a.applied.storage, a.applied.events, a.applied.metrics, a.applied.toolDir
	st.api.Addr, st.api.RatePerSec, st.api.Burst, st.api.Pprof = a.applied.api.Addr, a.applied.api.RatePerSec, a.applied.api.Burst, a.applied.api.Pprof
	a.applied = st

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// purge is the retention hook. Runs are never deleted by the engine; a
// retention policy plugs in here.
func (a *App) purge(_ context.Context, now time.Time) error {
	a.log.Debug("purge hook invoked (no retention policy)", logx.Time("now", now))
	return nil
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"scheduler":   a.sched.Snapshot(),
		"callouts":    a.callouts.Snapshot(),
		"maintenance": a.maint.Snapshot(),
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Snapshot()
	}
	if bs, ok := a.bus.(eventbus.Stats); ok {
		out["events"] = map[string]uint64{"published": bs.Published(), "dropped": bs.Dropped()}
	}
	if a.sink != nil {
		sent, failed := a.sink.Counts()
		out["eventsink"] = map[string]uint64{"sent": sent, "failed": failed}
	}
	out["log_dropped"] = a.logs.Dropped()
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("maintenance", 3*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// API, event sink, config watch and reload loops.
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("eventsink", time.Second, func(context.Context) error {
		if a.sinkClose != nil {
			return a.sinkClose.Close()
		}
		return nil
	})
	step("metrics", 2*time.Second, func(c context.Context) error { return a.metrics.Shutdown(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// boundedContext derives a context capped at max without extending the
// parent's deadline.
func boundedContext(parent context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := parent.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, max)
}
