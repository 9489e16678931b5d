// Package eventsink forwards bus events to external subscribers.
package eventsink

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"runsched/internal/eventbus"
	logx "runsched/pkg/logx"
)

// Publisher is the subset of the redis client the sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	URL           string
	ChannelPrefix string        // default "runsched."
	Buffer        int           // bus subscription buffer; default 256
	PublishTO     time.Duration // per message; default 2s
}

// Redis publishes every bus event as JSON on "<prefix><event type>".
type Redis struct {
	cfg Config
	pub Publisher
	log logx.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// Dial connects and pings the server named by cfg.URL.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*Redis, *redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return New(cfg, rdb, log), rdb, nil
}

func New(cfg Config, pub Publisher, log logx.Logger) *Redis {
	if strings.TrimSpace(cfg.ChannelPrefix) == "" {
		cfg.ChannelPrefix = "runsched."
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.PublishTO <= 0 {
		cfg.PublishTO = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{cfg: cfg, pub: pub, log: log.With(logx.String("comp", "eventsink"))}
}

// Run forwards events from bus until ctx ends. Publish failures are logged
// and the event is dropped; subscribers already tolerate gaps.
func (r *Redis) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(r.cfg.Buffer)
	defer unsub()
	r.log.Info("forwarding events", logx.String("prefix", r.cfg.ChannelPrefix))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, e)
		}
	}
}

func (r *Redis) forward(ctx context.Context, e eventbus.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.failed.Add(1)
		r.log.Warn("encode event failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTO)
	defer cancel()
	if err := r.pub.Publish(pctx, r.cfg.ChannelPrefix+e.Type, payload).Err(); err != nil {
		r.failed.Add(1)
		r.log.Warn("publish failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	r.sent.Add(1)
}

// Counts returns forwarded and failed totals.
func (r *Redis) Counts() (sent, failed uint64) { return r.sent.Load(), r.failed.Load() }
