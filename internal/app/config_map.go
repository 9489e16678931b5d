package app

import (
	"fmt"
	"strings"
	"time"

	"runsched/internal/api"
	"runsched/internal/callout"
	"runsched/internal/config"
	"runsched/internal/domain"
	"runsched/internal/eventsink"
	"runsched/internal/maintenance"
	"runsched/internal/observability/metrics"
	"runsched/internal/scheduler"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

// settings is a config file resolved into component configs. Resolving
// doubles as validation for hot reloads.
type settings struct {
	logging  logx.Config
	sched    scheduler.Config
	maint    maintenance.Config
	callouts callout.Config
	toolDir  string
	storage  storage.Config
	api      api.Config
	events   eventsink.Config
	metrics  metrics.Config
}

func resolve(cfg *config.Config) (settings, error) {
	var s settings
	if cfg == nil {
		return s, fmt.Errorf("config is nil")
	}
	var err error
	if s.logging, err = mapLogging(cfg.Logging); err != nil {
		return s, err
	}
	if s.sched, err = mapScheduling(cfg.Scheduling, cfg.Transitions); err != nil {
		return s, err
	}
	if s.maint, err = mapMaintenance(cfg.Maintenance); err != nil {
		return s, err
	}
	if s.callouts, err = mapCallouts(cfg.Callouts); err != nil {
		return s, err
	}
	s.toolDir = strings.TrimSpace(cfg.Callouts.ToolDir)
	if s.storage, err = mapStorage(cfg.Storage); err != nil {
		return s, err
	}
	if s.api, err = mapAPI(cfg.API, cfg.Scheduling); err != nil {
		return s, err
	}
	if s.metrics, err = mapMetrics(cfg.Metrics); err != nil {
		return s, err
	}
	s.events = eventsink.Config{
		URL:           strings.TrimSpace(cfg.Events.RedisURL),
		ChannelPrefix: strings.TrimSpace(cfg.Events.ChannelPrefix),
	}
	return s, nil
}

func mapLogging(c config.LoggingConfig) (logx.Config, error) {
	if c.Level != "" && !logx.ValidLevel(c.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", c.Level)
	}
	if c.Alert.MinLevel != "" && !logx.ValidLevel(c.Alert.MinLevel) {
		return logx.Config{}, fmt.Errorf("logging.alert.min_level: unknown level %q", c.Alert.MinLevel)
	}
	if c.Alert.RatePerSec < 0 {
		return logx.Config{}, fmt.Errorf("logging.alert.rate_per_sec must be >= 0")
	}
	if c.File.Enabled && strings.TrimSpace(c.File.Path) == "" {
		return logx.Config{}, fmt.Errorf("logging.file.path is required when logging.file.enabled=true")
	}
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: strings.TrimSpace(c.File.Path)},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}, nil
}

func mapScheduling(c config.SchedulingConfig, transitions map[string][]string) (scheduler.Config, error) {
	var (
		out scheduler.Config
		err error
	)
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		span config.Span
		dst  *time.Duration
	}{
		{"scheduling.horizon", c.Horizon, 24 * time.Hour, config.Span{Min: time.Minute}, &out.Horizon},
		{"scheduling.straggler_grace", c.StragglerGrace, 5 * time.Second, config.Span{}, &out.StragglerGrace},
		{"scheduling.overdue_grace", c.OverdueGrace, 10 * time.Second, config.Span{}, &out.OverdueGrace},
		{"scheduling.timeout_grace", c.TimeoutGrace, 60 * time.Second, config.Span{}, &out.TimeoutGrace},
		{"scheduling.index_retention", c.IndexRetention, 24 * time.Hour, config.Span{Min: time.Minute}, &out.IndexRetention},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationWithin(f.path, f.raw, f.def, f.span); err != nil {
			return scheduler.Config{}, err
		}
	}
	if out.Transitions, err = domain.ParseTransitions(transitions); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapMaintenance(c config.MaintenanceConfig) (maintenance.Config, error) {
	timeout, err := config.ParseDurationOrDefault("maintenance.timeout", c.Timeout, time.Minute)
	if err != nil {
		return maintenance.Config{}, err
	}
	out := maintenance.Config{
		SweepEvery: strings.TrimSpace(c.SweepEvery),
		PurgeEvery: strings.TrimSpace(c.PurgeEvery),
		Timeout:    timeout,
	}
	if err := out.Validate(); err != nil {
		return maintenance.Config{}, err
	}
	return out, nil
}

func mapCallouts(c config.CalloutsConfig) (callout.Config, error) {
	if c.MaxConcurrent < 0 {
		return callout.Config{}, fmt.Errorf("callouts.max_concurrent must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("callouts.timeout", c.Timeout, 30*time.Second)
	if err != nil {
		return callout.Config{}, err
	}
	out := callout.Config{
		Timeout:       timeout,
		MaxConcurrent: c.MaxConcurrent,
		Breaker:       callout.BreakerConfig{Trip: c.Breaker.Trip},
	}
	if out.Breaker.BaseDelay, err = config.ParseDurationField("callouts.breaker.base_delay", c.Breaker.BaseDelay); err != nil {
		return callout.Config{}, err
	}
	if out.Breaker.MaxDelay, err = config.ParseDurationField("callouts.breaker.max_delay", c.Breaker.MaxDelay); err != nil {
		return callout.Config{}, err
	}
	if out.Breaker.ResetAfter, err = config.ParseDurationField("callouts.breaker.reset_after", c.Breaker.ResetAfter); err != nil {
		return callout.Config{}, err
	}
	return out, nil
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	path := strings.TrimSpace(c.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		dsn := strings.TrimSpace(c.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", c.Driver)
	}
}

func mapAPI(c config.APIConfig, sc config.SchedulingConfig) (api.Config, error) {
	if c.RatePerSec < 0 || c.Burst < 0 {
		return api.Config{}, fmt.Errorf("api.rate_per_sec and api.burst must be >= 0")
	}
	align, err := config.ParseDurationWithin("scheduling.clock_align", sc.ClockAlign, time.Second, config.Span{Max: time.Hour})
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:       strings.TrimSpace(c.Addr),
		RatePerSec: c.RatePerSec,
		Burst:      c.Burst,
		Pprof:      c.Pprof,
		ClockAlign: align,
	}, nil
}

func mapMetrics(c config.MetricsConfig) (metrics.Config, error) {
	every, err := config.ParseDurationOrDefault("metrics.interval", c.Interval, time.Minute)
	if err != nil {
		return metrics.Config{}, err
	}
	return metrics.Config{Enabled: c.Enabled, Interval: every}, nil
}
