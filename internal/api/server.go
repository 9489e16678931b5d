// Package api is the HTTP surface of the scheduler: task registration, run
// submission, run queries and updates, and a server-sent event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"runsched/internal/domain"
	"runsched/internal/eventbus"
	"runsched/internal/scheduler"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

// Engine is the part of the scheduler the handlers use.
type Engine interface {
	PutTask(ctx context.Context, t domain.Task) (domain.Task, error)
	Admit(ctx context.Context, req scheduler.AdmitRequest) (domain.Run, error)
	GetRun(ctx context.Context, externalID string) (domain.Run, error)
	ListRuns(ctx context.Context, f storage.RunFilter) ([]domain.Run, error)
	UpdateByExternalID(ctx context.Context, externalID string, p domain.Patch) (domain.Run, error)
}

// HealthFunc returns the component snapshots served at /healthz.
type HealthFunc func() map[string]any

type Config struct {
	Addr       string
	RatePerSec float64 // <= 0 disables limiting
	Burst      int
	Pprof      bool
	// ClockAlign truncates submitted start times. Default 1s.
	ClockAlign time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	if c.ClockAlign <= 0 {
		c.ClockAlign = time.Second
	}
	return c
}

type Server struct {
	cfg    Config
	engine Engine
	bus    eventbus.Bus
	health HealthFunc
	log    logx.Logger
	e      *echo.Echo

	align atomic.Int64 // time.Duration
}

func New(cfg Config, engine Engine, bus eventbus.Bus, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		engine: engine,
		bus:    bus,
		health: health,
		log:    log.With(logx.String("comp", "api")),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLog())
	if s.cfg.RatePerSec > 0 {
		e.Use(rateLimit(s.cfg.RatePerSec, s.cfg.Burst))
	}
	s.e = e
	s.align.Store(int64(s.cfg.ClockAlign))
	s.routes()
	return s
}

// SetClockAlign changes the submission alignment step at runtime.
func (s *Server) SetClockAlign(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	s.align.Store(int64(d))
}

func (s *Server) routes() {
	s.e.GET("/healthz", s.Health)

	s.e.PUT("/tasks/:id", s.PutTask)
	s.e.POST("/tasks/:id/runs", s.SubmitRun)

	s.e.GET("/runs", s.ListRuns)
	s.e.GET("/runs/:uuid", s.GetRun)
	s.e.PATCH("/runs/:uuid", s.PatchRun)

	s.e.GET("/events", s.StreamEvents)

	if s.cfg.Pprof {
		registerPprof(s.e.Group("/debug/pprof"))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.e,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("listening", logx.String("addr", s.cfg.Addr), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.log.Warn("shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("stopped")
	return nil
}

// Health returns component snapshots.
// GET /healthz
func (s *Server) Health(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	return c.JSON(http.StatusOK, body)
}
