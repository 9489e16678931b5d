package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"runsched/internal/eventbus"
	logx "runsched/pkg/logx"
)

const sseKeepAlive = 15 * time.Second

// StreamEvents relays bus events as server-sent events until the client
// goes away. Slow clients lose events; consumers re-read runs as needed.
// GET /events
func (s *Server) StreamEvents(c echo.Context) error {
	if s.bus == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "event stream disabled", Kind: "unavailable"})
	}
	ctx := c.Request().Context()
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, e); err != nil {
				s.log.Debug("event stream closed", logx.Err(err))
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, e eventbus.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
