package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduling:
  horizon: 12h
  straggler_grace: 5s
maintenance:
  sweep_every: "@every 10s"
storage:
  driver: sqlite
  path: /var/lib/runsched/runs.db
api:
  addr: 127.0.0.1:8080
transitions:
  pending: [running, missed]
  running: [finished, failed, overdue]
  overdue: [missed]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduling.Horizon != "12h" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := cfg.Transitions["running"]; len(got) != 3 {
		t.Fatalf("transitions[running] = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr bool
	}{
		{name: "json ok", file: "c.json", body: `{"api":{"addr":":8080"}}`},
		{name: "json unknown field", file: "c.json", body: `{"api":{"adr":":8080"}}`, wantErr: true},
		{name: "json trailing data", file: "c.json", body: `{"api":{}} {}`, wantErr: true},
		{name: "yaml unknown section", file: "c.yml", body: "telegram:\n  token: x\n", wantErr: true},
		{name: "yaml wrong type", file: "c.yaml", body: "api:\n  burst: many\n", wantErr: true},
		{name: "yaml ok", file: "c.yaml", body: "metrics:\n  enabled: true\n  interval: 30s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.file, []byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: time.Minute},
		{raw: "  ", want: time.Minute},
		{raw: "0s", want: time.Minute},
		{raw: "90s", want: 90 * time.Second},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, time.Minute)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("%q: got %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseDurationWithin(t *testing.T) {
	t.Parallel()
	week := Span{Min: time.Minute, Max: 7 * 24 * time.Hour}
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 24 * time.Hour},
		{raw: "2d", want: 48 * time.Hour},
		{raw: "1d12h", want: 36 * time.Hour},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "90m", want: 90 * time.Minute},
		{raw: "8d", wantErr: true},
		{raw: "30s", wantErr: true},
		{raw: "1d-2h", wantErr: true},
		{raw: "xd", wantErr: true},
		{raw: "-1d", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationWithin("scheduling.horizon", tt.raw, 24*time.Hour, week)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("%q: got %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestDecodeExpandsEnv(t *testing.T) {
	t.Setenv("RUNSCHED_TEST_DSN", "postgres://u:p$w@db/runs")
	t.Setenv("RUNSCHED_TEST_REDIS", "redis://cache:6379/0")

	cfg, err := Decode("c.yaml", []byte("storage:\n  driver: postgres\n  dsn: ${RUNSCHED_TEST_DSN}\nevents:\n  redis_url: \"${RUNSCHED_TEST_REDIS}\"\n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.Storage.DSN != "postgres://u:p$w@db/runs" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Events.RedisURL != "redis://cache:6379/0" {
		t.Fatalf("redis_url = %q", cfg.Events.RedisURL)
	}

	cfg, err = Decode("c.json", []byte(`{"storage":{"dsn":"${RUNSCHED_TEST_DSN}"}}`))
	if err != nil || cfg.Storage.DSN != "postgres://u:p$w@db/runs" {
		t.Fatalf("json: cfg=%+v err=%v", cfg, err)
	}

	if _, err := Decode("c.yaml", []byte("storage:\n  dsn: ${RUNSCHED_TEST_UNSET}\n")); err == nil || !strings.Contains(err.Error(), "RUNSCHED_TEST_UNSET") {
		t.Fatalf("unset variable: err = %v", err)
	}
	// A bare $ is literal.
	if cfg, err := Decode("c.json", []byte(`{"storage":{"dsn":"a$b"}}`)); err != nil || cfg.Storage.DSN != "a$b" {
		t.Fatalf("literal $: cfg=%+v err=%v", cfg, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{API: APIConfig{Addr: ":8080"}}
	newCfg := &Config{
		API:         APIConfig{Addr: ":9090"},
		Scheduling:  SchedulingConfig{Horizon: "1h"},
		Transitions: map[string][]string{"pending": {"running"}},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"scheduling", "transitions", "api"}
	if len(sections) != len(want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	for i := range want {
		if sections[i] != want[i] {
			t.Fatalf("sections = %v, want %v", sections, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if !RequiresRestart("api") || RequiresRestart("scheduling") {
		t.Fatal("unexpected restart classification")
	}

	if s, _ := SummarizeConfigChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"api":{"addr":":8080"}}`)

	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.API.Burst < 0 {
			return errors.New("api.burst must be >= 0")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "config.json", `{"api":{"addr":":8080","burst":-1}}`)
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config was published: %+v", cfg.API)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, dir, "config.json", `{"api":{"addr":":9090"}}`)
	select {
	case cfg := <-sub:
		if cfg.API.Addr != ":9090" {
			t.Fatalf("published addr = %q", cfg.API.Addr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if m.Get().API.Addr != ":9090" {
		t.Fatalf("Get().API.Addr = %q", m.Get().API.Addr)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	first := &Config{API: APIConfig{Addr: "a"}}
	second := &Config{API: APIConfig{Addr: "b"}}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("got %+v, want newest", got.API)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed after Unsubscribe")
	}
}
