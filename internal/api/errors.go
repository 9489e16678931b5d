package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"runsched/internal/domain"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusOf maps an engine error to an HTTP status.
func statusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindSchedulingConflict:
		return http.StatusConflict
	case domain.KindHorizonExceeded,
		domain.KindInvalidUUIDAssignment,
		domain.KindImmutableFieldChanged,
		domain.KindInvalidStateTransition,
		domain.KindFutureStateChange,
		domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindUnknownTask, domain.KindUnknownRun:
		return http.StatusNotFound
	case domain.KindCalloutFailure:
		return http.StatusBadGateway
	}
	if errors.Is(err, storage.ErrDuplicate) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c echo.Context, err error) error {
	code := statusOf(err)
	body := errorBody{Error: err.Error(), Kind: domain.KindOf(err).String()}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", c.Path()), logx.Err(err))
		body.Error = "internal error"
	}
	return c.JSON(code, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: msg, Kind: domain.KindInvalidInput.String()})
}
