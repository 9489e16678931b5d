package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"runsched/internal/eventbus"
	logx "runsched/pkg/logx"
)

type message struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	fail bool
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, m any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, m)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	f.msgs = append(f.msgs, message{channel: channel, payload: m.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func (f *fakePublisher) snapshot() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func TestRedisForwardsEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	pub := &fakePublisher{}
	sink := New(Config{ChannelPrefix: "lab."}, pub, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, bus) }()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: "ping"})
		return len(pub.snapshot()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeRunChanged,
		Data: eventbus.RunEvent{RunID: 4, ExternalID: "u-4", TaskID: "rtt", State: "running"},
	})
	require.Eventually(t, func() bool {
		for _, m := range pub.snapshot() {
			if m.channel == "lab.run.changed" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	var got struct {
		Type string            `json:"type"`
		Data eventbus.RunEvent `json:"data"`
	}
	for _, m := range pub.snapshot() {
		if m.channel == "lab.run.changed" {
			require.NoError(t, json.Unmarshal(m.payload, &got))
		}
	}
	require.Equal(t, eventbus.TypeRunChanged, got.Type)
	require.EqualValues(t, 4, got.Data.RunID)
	require.Equal(t, "running", got.Data.State)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRedisCountsFailures(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{fail: true}
	sink := New(Config{}, pub, logx.Nop())
	sink.forward(context.Background(), eventbus.Event{Type: eventbus.TypeRunChanged})
	sent, failed := sink.Counts()
	require.Zero(t, sent)
	require.EqualValues(t, 1, failed)
}
