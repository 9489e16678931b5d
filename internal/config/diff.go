package config

import (
	"reflect"
	"strings"

	logx "runsched/pkg/logx"
)

// restartSections are read once at startup.
var restartSections = map[string]bool{
	"storage": true,
	"api":     true,
	"events":  true,
	"metrics": true,
}

// RequiresRestart reports whether a changed section only takes effect after
// a process restart.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the changed sections in a stable order and
// log attrs describing the new values. Credentials inside the postgres DSN
// or the Redis URL are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Scheduling != newCfg.Scheduling {
		changed = append(changed, "scheduling")
		s := newCfg.Scheduling
		attrs = append(attrs,
			logx.String("scheduling.horizon", strings.TrimSpace(s.Horizon)),
			logx.String("scheduling.straggler_grace", strings.TrimSpace(s.StragglerGrace)),
			logx.String("scheduling.overdue_grace", strings.TrimSpace(s.OverdueGrace)),
			logx.String("scheduling.timeout_grace", strings.TrimSpace(s.TimeoutGrace)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transitions, newCfg.Transitions) {
		changed = append(changed, "transitions")
		attrs = append(attrs, logx.Int("transitions.states", len(newCfg.Transitions)))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.sweep_every", strings.TrimSpace(newCfg.Maintenance.SweepEvery)),
			logx.String("maintenance.purge_every", strings.TrimSpace(newCfg.Maintenance.PurgeEvery)),
		)
	}

	if oldCfg.Callouts != newCfg.Callouts {
		changed = append(changed, "callouts")
		attrs = append(attrs,
			logx.String("callouts.tool_dir", strings.TrimSpace(newCfg.Callouts.ToolDir)),
			logx.Int("callouts.max_concurrent", newCfg.Callouts.MaxConcurrent),
			logx.Int("callouts.breaker_trip", newCfg.Callouts.Breaker.Trip),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs, logx.Bool("events.redis_set", strings.TrimSpace(newCfg.Events.RedisURL) != ""))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	return changed, attrs
}
