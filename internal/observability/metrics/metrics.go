// Package metrics records engine outcomes as OpenTelemetry counters.
//
// A disabled Recorder is backed by the noop provider, so callers never
// branch on configuration.
package metrics

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"runsched/internal/domain"
	logx "runsched/pkg/logx"
)

const instrumentationName = "runsched/scheduler"

type Config struct {
	Enabled  bool
	Interval time.Duration // export period; default 1m
	Writer   io.Writer     // default stdout
}

// Recorder implements the scheduler's outcome hooks.
type Recorder struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	log      logx.Logger

	admissions metric.Int64Counter
	updates    metric.Int64Counter
	sweeps     metric.Int64Counter
}

// New builds a recorder exporting through stdoutmetric on a periodic reader.
func New(cfg Config, log logx.Logger) (*Recorder, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "metrics"))
	if !cfg.Enabled {
		return newRecorder(nil, noop.NewMeterProvider().Meter(instrumentationName), log)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))))
	log.Info("metrics enabled", logx.Duration("interval", cfg.Interval))
	return newRecorder(mp, mp.Meter(instrumentationName), log)
}

// NewWithReader is New over a caller-supplied reader (tests, custom exporters).
func NewWithReader(r sdkmetric.Reader, log logx.Logger) (*Recorder, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(r))
	return newRecorder(mp, mp.Meter(instrumentationName), log)
}

func newRecorder(mp *sdkmetric.MeterProvider, m metric.Meter, log logx.Logger) (*Recorder, error) {
	r := &Recorder{provider: mp, meter: m, log: log}
	var err, e error
	r.admissions, e = m.Int64Counter("runsched.admissions", metric.WithDescription("Admission attempts by outcome."), metric.WithUnit("{run}"))
	err = errors.Join(err, e)
	r.updates, e = m.Int64Counter("runsched.updates", metric.WithDescription("Run updates by outcome."), metric.WithUnit("{update}"))
	err = errors.Join(err, e)
	r.sweeps, e = m.Int64Counter("runsched.sweep.transitions", metric.WithDescription("Sweeper escalations by edge."), metric.WithUnit("{run}"))
	err = errors.Join(err, e)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Admission(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Recorder) Update(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.updates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Recorder) SweepTransition(ctx context.Context, from, to domain.State) {
	if r == nil {
		return
	}
	r.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from.String()), attribute.String("to", to.String())))
}

// Gauge registers an observable gauge read from fn at collection time.
func (r *Recorder) Gauge(name, desc string, fn func() int64) error {
	if r == nil {
		return nil
	}
	_, err := r.meter.Int64ObservableGauge(name,
		metric.WithDescription(desc),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}

// Shutdown flushes and stops the exporter.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	err := r.provider.Shutdown(ctx)
	if err != nil {
		r.log.Warn("metrics shutdown failed", logx.Err(err))
	}
	return err
}
