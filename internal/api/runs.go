package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"runsched/internal/domain"
	"runsched/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// GetRun returns one run by external id.
// GET /runs/:uuid
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.engine.GetRun(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns filters by task and state.
// GET /runs?task=&state=pending,running&limit=
func (s *Server) ListRuns(c echo.Context) error {
	f := storage.RunFilter{TaskID: strings.TrimSpace(c.QueryParam("task")), Limit: defaultListLimit}
	if raw := strings.TrimSpace(c.QueryParam("state")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := domain.ParseState(part)
			if err != nil {
				return badRequest(c, err.Error())
			}
			f.States = append(f.States, st)
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}

	runs, err := s.engine.ListRuns(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// PatchRequest mirrors domain.Patch. Omitted fields are untouched; an
// explicit null clears a JSON field.
type PatchRequest struct {
	Start               *time.Time          `json:"start,omitempty"`
	End                 *time.Time          `json:"end,omitempty"`
	UUID                *string             `json:"uuid,omitempty"`
	State               *string             `json:"state,omitempty"`
	Status              *int                `json:"status,omitempty"`
	Result              domain.OptionalJSON `json:"result"`
	ParticipantDataFull domain.OptionalJSON `json:"participant_data_full"`
	ResultFull          domain.OptionalJSON `json:"result_full"`
}

func (r PatchRequest) patch() (domain.Patch, error) {
	p := domain.Patch{
		Start:               r.Start,
		End:                 r.End,
		ExternalID:          r.UUID,
		Status:              r.Status,
		LocalResult:         r.Result,
		ParticipantDataFull: r.ParticipantDataFull,
		ResultFull:          r.ResultFull,
	}
	if r.State != nil {
		st, err := domain.ParseState(*r.State)
		if err != nil {
			return domain.Patch{}, err
		}
		p.State = &st
	}
	return p, nil
}

// PatchRun applies a caller update through the mutation guard.
// PATCH /runs/:uuid
func (s *Server) PatchRun(c echo.Context) error {
	var req PatchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	p, err := req.patch()
	if err != nil {
		return s.fail(c, err)
	}
	run, err := s.engine.UpdateByExternalID(c.Request().Context(), c.Param("uuid"), p)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
