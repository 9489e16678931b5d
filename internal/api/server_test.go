package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runsched/internal/domain"
	"runsched/internal/eventbus"
	"runsched/internal/scheduler"
	"runsched/internal/storage"
	logx "runsched/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubCallouts struct{ fail bool }

func (s stubCallouts) ParticipantData(_ context.Context, tool string, participant int, _ json.RawMessage) (json.RawMessage, error) {
	if s.fail {
		return nil, &domain.CalloutError{Tool: tool, Op: "participant-data", Diagnostic: "agent offline"}
	}
	return json.RawMessage(fmt.Sprintf(`{"participant":%d}`, participant)), nil
}

func (s stubCallouts) MergedResults(_ context.Context, _ string, _, results json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"merged":` + string(results) + `}`), nil
}

type fixture struct {
	srv   *Server
	sched *scheduler.Service
	clock *clock
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg Config, callouts scheduler.Callouts) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{now: t0}, bus: eventbus.New()}
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	f.sched = scheduler.New(scheduler.Config{Horizon: 24 * time.Hour}, store, callouts, f.bus, logx.Nop(), scheduler.WithClock(f.clock.Now))
	require.NoError(t, f.sched.Start(context.Background()))
	f.srv = New(cfg, f.sched, f.bus, func() map[string]any {
		return map[string]any{"scheduler": f.sched.Snapshot()}
	}, logx.Nop())
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) putTask(t *testing.T, id string, body string) {
	t.Helper()
	rec := f.do(t, http.MethodPut, "/tasks/"+id, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSubmitAndGetRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, stubCallouts{})
	f.putTask(t, "trace", `{"participant":0,"duration":"1m","tool":"trace","test":{"dest":"b"}}`)

	// Sub-second input is aligned down.
	rec := f.do(t, http.MethodPost, "/tasks/trace/runs", `{"start":"2026-03-01T12:10:00.750Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[submitResponse](t, rec)
	require.NotEmpty(t, got.UUID)
	require.True(t, got.Run.Range.Start.Equal(t0.Add(10*time.Minute)))
	require.True(t, got.Run.Range.End.Equal(t0.Add(11*time.Minute)))
	require.Equal(t, domain.StatePending, got.Run.State)

	rec = f.do(t, http.MethodGet, "/runs/"+got.UUID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[domain.Run](t, rec)
	require.Equal(t, got.Run.ID, run.ID)
	require.JSONEq(t, `{"participant":0}`, string(run.ParticipantData))
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, stubCallouts{})
	f.putTask(t, "lead", `{"participant":0,"duration":"1m","tool":"trace"}`)
	f.putTask(t, "peer", `{"participant":1,"duration":"1m","tool":"trace"}`)
	f.putTask(t, "bulk", `{"participant":0,"duration":"1m","tool":"iperf","exclusive":true}`)

	ok := f.do(t, http.MethodPost, "/tasks/bulk/runs", `{"start":"2026-03-01T12:30:00Z"}`)
	require.Equal(t, http.StatusCreated, ok.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		kind   string
	}{
		{"conflict", http.MethodPost, "/tasks/lead/runs", `{"start":"2026-03-01T12:30:30Z"}`, http.StatusConflict, "scheduling_conflict"},
		{"horizon", http.MethodPost, "/tasks/lead/runs", `{"start":"2026-03-03T12:00:00Z"}`, http.StatusBadRequest, "horizon_exceeded"},
		{"unknown task", http.MethodPost, "/tasks/nope/runs", `{"start":"2026-03-01T13:00:00Z"}`, http.StatusNotFound, "unknown_task"},
		{"uuid forbidden", http.MethodPost, "/tasks/lead/runs", `{"start":"2026-03-01T14:00:00Z","uuid":"abc"}`, http.StatusBadRequest, "invalid_uuid_assignment"},
		{"uuid required", http.MethodPost, "/tasks/peer/runs", `{"start":"2026-03-01T14:00:00Z"}`, http.StatusBadRequest, "invalid_uuid_assignment"},
		{"missing start", http.MethodPost, "/tasks/lead/runs", `{}`, http.StatusBadRequest, "invalid_input"},
		{"unknown run", http.MethodGet, "/runs/missing", "", http.StatusNotFound, "unknown_run"},
		{"bad state filter", http.MethodGet, "/runs?state=sleeping", "", http.StatusBadRequest, "invalid_input"},
		{"bad duration", http.MethodPut, "/tasks/x", `{"duration":"soon","tool":"t"}`, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			require.Equal(t, tt.kind, decode[errorBody](t, rec).Kind)
		})
	}
}

func TestCalloutFailureIsBadGateway(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, stubCallouts{fail: true})
	f.putTask(t, "lead", `{"participant":0,"duration":"1m","tool":"trace"}`)

	rec := f.do(t, http.MethodPost, "/tasks/lead/runs", `{"start":"2026-03-01T12:30:00Z"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[errorBody](t, rec)
	require.Equal(t, "callout_failure", body.Kind)
	require.Contains(t, body.Error, "agent offline")
}

func TestPatchRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, stubCallouts{})
	f.putTask(t, "lead", `{"participant":0,"duration":"10m","tool":"trace"}`)
	sub := decode[submitResponse](t, f.do(t, http.MethodPost, "/tasks/lead/runs", `{"start":"2026-03-01T12:05:00Z"}`))

	// Finalizing before the start is rejected.
	rec := f.do(t, http.MethodPatch, "/runs/"+sub.UUID, `{"status":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "future_state_change", decode[errorBody](t, rec).Kind)

	rec = f.do(t, http.MethodPatch, "/runs/"+sub.UUID, `{"end":"2026-03-01T12:30:00Z"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "immutable_field_changed", decode[errorBody](t, rec).Kind)

	f.clock.Advance(7 * time.Minute)
	rec = f.do(t, http.MethodPatch, "/runs/"+sub.UUID, `{"status":0,"end":"2026-03-01T12:07:00Z","result":{"rtt":12}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[domain.Run](t, rec)
	require.Equal(t, domain.StateFinished, run.State)
	require.True(t, run.Range.End.Equal(t0.Add(7*time.Minute)))
	require.JSONEq(t, `{"rtt":12}`, string(run.LocalResult))

	rec = f.do(t, http.MethodPatch, "/runs/"+sub.UUID, `{"result_full":[1,2]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run = decode[domain.Run](t, rec)
	require.JSONEq(t, `{"merged":[1,2]}`, string(run.ResultMerged))

	rec = f.do(t, http.MethodPatch, "/runs/"+sub.UUID, `{"result":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[domain.Run](t, rec).LocalResult)

	rec = f.do(t, http.MethodPatch, "/runs/"+sub.UUID, `{"state":"running"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_state_transition", decode[errorBody](t, rec).Kind)
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, stubCallouts{})
	f.putTask(t, "a", `{"participant":0,"duration":"1m","tool":"trace"}`)
	f.putTask(t, "b", `{"participant":0,"duration":"1m","tool":"trace","anytime":true}`)

	for _, start := range []string{"12:10:00", "12:20:00", "12:30:00"} {
		rec := f.do(t, http.MethodPost, "/tasks/a/runs", `{"start":"2026-03-01T`+start+`Z"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/tasks/b/runs", `{"start":"2026-03-01T12:10:00Z","nonstart_reason":"host down"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	type listBody struct {
		Runs  []domain.Run `json:"runs"`
		Count int          `json:"count"`
	}
	all := decode[listBody](t, f.do(t, http.MethodGet, "/runs", ""))
	require.Equal(t, 4, all.Count)

	onlyA := decode[listBody](t, f.do(t, http.MethodGet, "/runs?task=a&limit=2", ""))
	require.Equal(t, 2, onlyA.Count)
	require.True(t, onlyA.Runs[0].Range.Start.Before(onlyA.Runs[1].Range.Start))

	nonstart := decode[listBody](t, f.do(t, http.MethodGet, "/runs?state=nonstart", ""))
	require.Equal(t, 1, nonstart.Count)
	require.Equal(t, "b", nonstart.Runs[0].TaskID)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, stubCallouts{})
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "ok", body["status"])
	require.Contains(t, body, "scheduler")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RatePerSec: 0.001, Burst: 2}, stubCallouts{})
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	}
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestPprofRoutes(t *testing.T) {
	t.Parallel()
	off := newFixture(t, Config{}, stubCallouts{})
	require.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/debug/pprof/cmdline", "").Code)

	on := newFixture(t, Config{Pprof: true}, stubCallouts{})
	require.Equal(t, http.StatusOK, on.do(t, http.MethodGet, "/debug/pprof/cmdline", "").Code)
}

func TestStreamEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, stubCallouts{})
	f.putTask(t, "lead", `{"participant":0,"duration":"1m","tool":"trace"}`)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Headers are flushed after the subscription exists.
	rec := f.do(t, http.MethodPost, "/tasks/lead/runs", `{"start":"2026-03-01T12:30:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	uuid := decode[submitResponse](t, rec).UUID

	sc := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
		if dataLine != "" {
			break
		}
	}
	require.Equal(t, eventbus.TypeRunChanged, eventLine)
	var ev struct {
		Type string            `json:"type"`
		Data eventbus.RunEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	require.Equal(t, uuid, ev.Data.ExternalID)
	require.Equal(t, "pending", ev.Data.State)
}
