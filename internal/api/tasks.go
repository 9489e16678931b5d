package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"runsched/internal/domain"
	"runsched/internal/scheduler"
)

// TaskRequest registers or replaces a task.
type TaskRequest struct {
	Participant int             `json:"participant"`
	Duration    string          `json:"duration"`
	Anytime     bool            `json:"anytime,omitempty"`
	Exclusive   bool            `json:"exclusive,omitempty"`
	Tool        string          `json:"tool"`
	Test        json.RawMessage `json:"test,omitempty"`
}

// PutTask registers a task.
// PUT /tasks/:id
func (s *Server) PutTask(c echo.Context) error {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	d, err := time.ParseDuration(strings.TrimSpace(req.Duration))
	if err != nil {
		return badRequest(c, "duration must be a Go duration such as 90s")
	}
	task, err := s.engine.PutTask(c.Request().Context(), domain.Task{
		ID:          c.Param("id"),
		Participant: req.Participant,
		Duration:    d,
		Class:       domain.SchedulingClass{Anytime: req.Anytime, Exclusive: req.Exclusive},
		Tool:        req.Tool,
		Test:        req.Test,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// SubmitRequest asks for a run of a task starting at Start.
type SubmitRequest struct {
	Start          time.Time `json:"start"`
	UUID           string    `json:"uuid,omitempty"`
	NonstartReason string    `json:"nonstart_reason,omitempty"`
}

type submitResponse struct {
	UUID string     `json:"uuid"`
	Run  domain.Run `json:"run"`
}

// SubmitRun admits a new run. The start is aligned to the configured clock
// step in UTC before admission.
// POST /tasks/:id/runs
func (s *Server) SubmitRun(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Start.IsZero() {
		return badRequest(c, "start is required")
	}
	start := req.Start.UTC().Truncate(time.Duration(s.align.Load()))

	run, err := s.engine.Admit(c.Request().Context(), scheduler.AdmitRequest{
		TaskID:         c.Param("id"),
		Range:          domain.TimeRange{Start: start},
		ExternalID:     strings.TrimSpace(req.UUID),
		NonstartReason: strings.TrimSpace(req.NonstartReason),
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, submitResponse{UUID: run.ExternalID, Run: run})
}
