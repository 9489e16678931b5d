package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "runsched/pkg/logx"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{SweepEvery: "10s", PurgeEvery: "0 3 * * *"}.Validate())
	require.Error(t, Config{SweepEvery: "soon"}.Validate())
	require.Error(t, Config{PurgeEvery: "100ms"}.Validate())
}

func TestAddRejectsUnknownAndDuplicate(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }

	require.Error(t, s.Add("compact", noop))
	require.NoError(t, s.Add(JobSweep, noop))
	require.Error(t, s.Add(JobSweep, noop))
}

func TestServiceRunsJob(t *testing.T) {
	t.Parallel()
	s := New(Config{SweepEvery: "@every 1s"}, logx.Nop())
	var calls atomic.Int64
	require.NoError(t, s.Add(JobSweep, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		if calls.Add(1) == 1 {
			return errors.New("first call fails")
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, JobSweep, snap[0].Name)
	require.Equal(t, "@every 1s", snap[0].Spec)
	require.GreaterOrEqual(t, snap[0].Runs, uint64(2))
	require.EqualValues(t, 1, snap[0].Failures)
	require.False(t, snap[0].Next.IsZero())
}

func TestApplyRestartsOnChange(t *testing.T) {
	t.Parallel()
	s := New(Config{SweepEvery: "@hourly"}, logx.Nop())
	require.NoError(t, s.Add(JobSweep, func(context.Context) error { return nil }))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	before := s.Snapshot()[0].Next
	require.Error(t, s.Apply(Config{SweepEvery: "whenever"}))
	require.Equal(t, before, s.Snapshot()[0].Next)

	require.NoError(t, s.Apply(Config{SweepEvery: "@every 1s"}))
	require.Equal(t, "@every 1s", s.Snapshot()[0].Spec)
	require.Eventually(t, func() bool {
		next := s.Snapshot()[0].Next
		return !next.IsZero() && next.Before(before)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGate(t *testing.T) {
	t.Parallel()
	s := New(Config{PurgeEvery: "@hourly"}, logx.Nop())
	var calls []time.Time
	gate := s.Gate(func(_ context.Context, now time.Time) error {
		calls = append(calls, now)
		return nil
	})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)

	require.NoError(t, gate(ctx, base))
	require.NoError(t, gate(ctx, base.Add(20*time.Minute)))
	require.Empty(t, calls)

	require.NoError(t, gate(ctx, base.Add(50*time.Minute)))
	require.NoError(t, gate(ctx, base.Add(55*time.Minute)))
	require.Len(t, calls, 1)

	require.NoError(t, gate(ctx, base.Add(110*time.Minute)))
	require.Len(t, calls, 2)

	require.NoError(t, s.Apply(Config{PurgeEvery: "0 0 * * *"}))
	require.NoError(t, gate(ctx, base.Add(3*time.Hour)))
	require.Len(t, calls, 2)
}

func TestApplyWhileJobInsideGate(t *testing.T) {
	t.Parallel()
	s := New(Config{SweepEvery: "@every 1s"}, logx.Nop())
	var purged atomic.Int64
	gate := s.Gate(func(context.Context, time.Time) error {
		purged.Add(1)
		return nil
	})

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	require.NoError(t, s.Add(JobSweep, func(ctx context.Context) error {
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-proceed
		}
		return gate(ctx, time.Now().Add(2*time.Hour))
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep job never ran")
	}

	applied := make(chan error, 1)
	go func() { applied <- s.Apply(Config{SweepEvery: "@every 2s", PurgeEvery: "@every 1m"}) }()

	// Apply waits for the running job; the service stays readable meanwhile.
	select {
	case err := <-applied:
		t.Fatalf("Apply returned before the running job finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.Len(t, s.Snapshot(), 1)

	close(proceed)
	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Apply blocked on a job calling Gate")
	}
	require.Equal(t, "@every 2s", s.Snapshot()[0].Spec)
	require.Eventually(t, func() bool { return !s.Snapshot()[0].Next.IsZero() }, 2*time.Second, 20*time.Millisecond)
}

func TestStopDuringApplyStaysStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{SweepEvery: "@every 1s"}, logx.Nop())
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	require.NoError(t, s.Add(JobSweep, func(context.Context) error {
		once.Do(func() {
			close(entered)
			<-proceed
		})
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	<-entered

	applied := make(chan error, 1)
	go func() { applied <- s.Apply(Config{SweepEvery: "@every 2s"}) }()
	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()
	time.Sleep(50 * time.Millisecond)
	close(proceed)
	require.NoError(t, <-applied)
	<-stopped

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Nil(t, s.c)
}
