package logx

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestAlertSinkFiltersAndLimits(t *testing.T) {
	var out lockedBuffer
	svc, log := newService(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 1},
	}, &out)
	defer svc.Close()

	log = log.With(String("comp", "sweeper"))
	log.Warn("not an alert")
	log.Error("invalid transition", Int64("run", 42), Err(errors.New("running -> pending")))
	log.Error("second in burst")

	got := out.String()
	if strings.Contains(got, "not an alert") {
		t.Fatalf("warn reached alert sink: %q", got)
	}
	if !strings.Contains(got, "[ERROR] invalid transition") || !strings.Contains(got, "comp=sweeper") || !strings.Contains(got, "run=42") {
		t.Fatalf("unexpected alert line: %q", got)
	}
	if strings.Contains(got, "second in burst") {
		t.Fatalf("rate limiter did not drop: %q", got)
	}
	if svc.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", svc.Dropped())
	}
}

func TestNopAndZeroLogger(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"", "info", "WARNING", "trace"} {
		if !ValidLevel(ok) {
			t.Fatalf("ValidLevel(%q) = false", ok)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
