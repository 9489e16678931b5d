package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runsched/internal/config"
	"runsched/internal/domain"
)

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	st, err := resolve(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, st.sched.Horizon)
	require.Equal(t, 5*time.Second, st.sched.StragglerGrace)
	require.Equal(t, 10*time.Second, st.sched.OverdueGrace)
	require.Equal(t, 60*time.Second, st.sched.TimeoutGrace)
	require.True(t, st.sched.Transitions.Valid(domain.StatePending, domain.StateRunning))
	require.Equal(t, "memory", st.storage.Driver)
	require.Equal(t, time.Second, st.api.ClockAlign)
	require.Equal(t, 30*time.Second, st.callouts.Timeout)
	require.Equal(t, time.Minute, st.maint.Timeout)
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"bad level", config.Config{Logging: config.LoggingConfig{Level: "loud"}}, "logging.level"},
		{"negative grace", config.Config{Scheduling: config.SchedulingConfig{OverdueGrace: "-1s"}}, "scheduling.overdue_grace"},
		{"bad horizon", config.Config{Scheduling: config.SchedulingConfig{Horizon: "tomorrow"}}, "scheduling.horizon"},
		{"bad align", config.Config{Scheduling: config.SchedulingConfig{ClockAlign: "x"}}, "scheduling.clock_align"},
		{"horizon too short", config.Config{Scheduling: config.SchedulingConfig{Horizon: "30s"}}, "scheduling.horizon"},
		{"align too coarse", config.Config{Scheduling: config.SchedulingConfig{ClockAlign: "2h"}}, "scheduling.clock_align"},
		{"bad sweep spec", config.Config{Maintenance: config.MaintenanceConfig{SweepEvery: "@every 10ms"}}, "maintenance.sweep"},
		{"unknown driver", config.Config{Storage: config.StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"sqlite without path", config.Config{Storage: config.StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"postgres without dsn", config.Config{Storage: config.StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"negative permits", config.Config{Callouts: config.CalloutsConfig{MaxConcurrent: -1}}, "callouts.max_concurrent"},
		{"unknown state", config.Config{Transitions: map[string][]string{"pending": {"asleep"}}}, "asleep"},
		{"into nonstart", config.Config{Transitions: map[string][]string{"pending": {"nonstart"}}}, "nonstart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			_, err := resolve(&cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

const appYAML = `
logging:
  level: error
scheduling:
  horizon: 12h
maintenance:
  sweep_every: "@every 1s"
storage:
  driver: file
  path: %s
api:
  addr: 127.0.0.1:0
`

func TestAppLifecycleAndReload(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "runsched.yaml")
	runsPath := filepath.Join(dir, "data", "runs")
	writeConfig(t, cfgPath, strings.Replace(appYAML, "%s", runsPath, 1))

	a, err := NewApp(cfgPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		require.NoError(t, a.Stop(stopCtx, StopUnknown))
	})

	require.Equal(t, 12*time.Hour, a.sched.Snapshot().Horizon)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"scheduler"`)
	require.Contains(t, rec.Body.String(), `"maintenance"`)

	// Give the watcher time to register before rewriting.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, cfgPath, strings.Replace(strings.Replace(appYAML, "%s", runsPath, 1), "12h", "2h", 1))

	require.Eventually(t, func() bool {
		return a.sched.Snapshot().Horizon == 2*time.Hour
	}, 5*time.Second, 50*time.Millisecond)

	// A config that fails validation is not applied.
	writeConfig(t, cfgPath, strings.Replace(strings.Replace(appYAML, "%s", runsPath, 1), "12h", "soon", 1))
	time.Sleep(600 * time.Millisecond)
	require.Equal(t, 2*time.Hour, a.sched.Snapshot().Horizon)

	select {
	case <-a.Done():
		t.Fatalf("app stopped unexpectedly: %v", a.Err())
	default:
	}
}

func TestBoundedContextKeepsParentDeadline(t *testing.T) {
	t.Parallel()
	parent, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ctx, stop := boundedContext(parent, time.Hour)
	defer stop()
	dl, ok := ctx.Deadline()
	require.True(t, ok)
	require.LessOrEqual(t, time.Until(dl), 50*time.Millisecond)
}
