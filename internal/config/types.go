package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("5s", "24h"); empty means the default.
type Config struct {
	Logging     LoggingConfig       `json:"logging"`
	Scheduling  SchedulingConfig    `json:"scheduling"`
	Maintenance MaintenanceConfig   `json:"maintenance"`
	Callouts    CalloutsConfig      `json:"callouts"`
	Storage     StorageConfig       `json:"storage"`
	API         APIConfig           `json:"api"`
	Events      EventsConfig        `json:"events"`
	Metrics     MetricsConfig       `json:"metrics"`
	Transitions map[string][]string `json:"transitions,omitempty"`
}

type LoggingConfig struct {
	Level   string             `json:"level"`
	Console bool               `json:"console"`
	File    LoggingFileConfig  `json:"file"`
	Alert   LoggingAlertConfig `json:"alert"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlertConfig mirrors high-severity entries to stderr.
type LoggingAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulingConfig holds the engine tunables. All of them apply live.
//
// Defaults: horizon 24h, straggler_grace 5s, overdue_grace 10s,
// timeout_grace 60s, index_retention 24h, clock_align 1s.
type SchedulingConfig struct {
	Horizon        string `json:"horizon,omitempty"`
	StragglerGrace string `json:"straggler_grace,omitempty"`
	OverdueGrace   string `json:"overdue_grace,omitempty"`
	TimeoutGrace   string `json:"timeout_grace,omitempty"`
	IndexRetention string `json:"index_retention,omitempty"`
	ClockAlign     string `json:"clock_align,omitempty"`
}

// MaintenanceConfig takes schedule strings: cron, "@every 20s", "20s" or HH:MM.
type MaintenanceConfig struct {
	SweepEvery string `json:"sweep_every,omitempty"`
	PurgeEvery string `json:"purge_every,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type CalloutsConfig struct {
	ToolDir       string        `json:"tool_dir"`
	Timeout       string        `json:"timeout,omitempty"`
	MaxConcurrent int           `json:"max_concurrent,omitempty"`
	Breaker       BreakerConfig `json:"breaker"`
}

// BreakerConfig: trip < 0 disables the per-tool breaker.
type BreakerConfig struct {
	Trip       int    `json:"trip,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	ResetAfter string `json:"reset_after,omitempty"`
}

// StorageConfig selects the run store. Changes require a restart.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type APIConfig struct {
	Addr       string  `json:"addr"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Pprof      bool    `json:"pprof,omitempty"`
}

// EventsConfig enables the Redis forwarder when redis_url is set.
type EventsConfig struct {
	RedisURL      string `json:"redis_url,omitempty"`
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}
