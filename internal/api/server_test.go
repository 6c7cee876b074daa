package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawld/internal/core"
	"github.com/crawlkit/crawld/internal/eventlog"
	"github.com/crawlkit/crawld/internal/registry"
	"github.com/crawlkit/crawld/internal/storage/memory"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fakeRunner struct {
	jobID string
	err   error
	calls []string
}

func (f *fakeRunner) RunNow(_ context.Context, pluginID string) (string, error) {
	f.calls = append(f.calls, pluginID)
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}

type fakePool struct {
	slots     []core.WorkerSlot
	cancelErr error
	cancelled []string
}

func (f *fakePool) Snapshot() []core.WorkerSlot { return f.slots }

func (f *fakePool) CancelJob(_ context.Context, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelErr
}

type fixture struct {
	server  *httptest.Server
	reg     *registry.Registry
	jobs    *memory.JobStore
	records *memory.RecordStore
	runner  *fakeRunner
	pool    *fakePool
	hub     *eventlog.Hub
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		jobs:    memory.NewJobStore(),
		records: memory.NewRecordStore(),
		runner:  &fakeRunner{jobID: "job-1"},
		pool:    &fakePool{},
		hub:     eventlog.NewHub(eventlog.Config{}),
	}
	f.reg = registry.New(memory.NewPluginStore(), &seqIDs{}, realClock{}, f.hub, nil)
	srv := NewServer(f.reg, f.jobs, f.records, f.runner, f.pool, f.hub, cfg, nil)
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		f.server.Close()
		_ = f.hub.Close(context.Background())
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func pluginBody() map[string]any {
	return map[string]any{
		"name":        "acme-prices",
		"target_url":  "https://example.com/catalog",
		"source_type": "html",
		"schedule":    "5m",
		"fields": []map[string]any{
			{"name": "title", "selector": ".title", "value_type": "string"},
		},
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Ready: func(context.Context) error { return nil }})
	resp, _ := f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	broken := newFixture(t, Config{Ready: func(context.Context) error { return fmt.Errorf("db down") }})
	resp, body := broken.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "db down", body["error"])
}

func TestCreatePlugin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	resp, body := f.do(t, http.MethodPost, "/v1/plugins/", pluginBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["id"])
	require.Equal(t, true, body["enabled"])
}

func TestCreatePluginValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	bad := pluginBody()
	bad["target_url"] = "not-a-url"
	resp, body := f.do(t, http.MethodPost, "/v1/plugins/", bad)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "target_url")
}

func TestCreatePluginMalformedJSON(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	resp, err := f.server.Client().Post(f.server.URL+"/v1/plugins/", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListPluginsEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	resp, body := f.do(t, http.MethodGet, "/v1/plugins/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body["plugins"])
	require.Empty(t, body["plugins"])
}

func TestPluginLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, created := f.do(t, http.MethodPost, "/v1/plugins/", pluginBody())
	id := created["id"].(string)

	resp, got := f.do(t, http.MethodGet, "/v1/plugins/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "acme-prices", got["name"])

	update := pluginBody()
	update["name"] = "acme-prices-v2"
	resp, got = f.do(t, http.MethodPut, "/v1/plugins/"+id, update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "acme-prices-v2", got["name"])

	resp, got = f.do(t, http.MethodPost, "/v1/plugins/"+id+"/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, got["enabled"])

	resp, got = f.do(t, http.MethodPost, "/v1/plugins/"+id+"/enable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, got["enabled"])

	resp, _ = f.do(t, http.MethodDelete, "/v1/plugins/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/plugins/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunPlugin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, created := f.do(t, http.MethodPost, "/v1/plugins/", pluginBody())
	id := created["id"].(string)

	resp, body := f.do(t, http.MethodPost, "/v1/plugins/"+id+"/run", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "job-1", body["job_id"])
	require.Equal(t, []string{id}, f.runner.calls)
}

func TestRunUnknownPlugin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.runner.err = fmt.Errorf("get plugin: %w", core.ErrNotFound)
	resp, _ := f.do(t, http.MethodPost, "/v1/plugins/ghost/run", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, created := f.do(t, http.MethodPost, "/v1/plugins/", pluginBody())
	id := created["id"].(string)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.records.StoreRecords(context.Background(), []core.ExtractedRecord{
		{JobID: "j1", PluginID: id, Fields: map[string]any{"title": "Widget"}, ExtractedAt: base},
		{JobID: "j2", PluginID: id, Fields: map[string]any{"title": "Gadget"}, ExtractedAt: base.Add(time.Hour)},
	}))

	resp, body := f.do(t, http.MethodGet, "/v1/plugins/"+id+"/records", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["records"], 2)

	since := base.Add(time.Minute).Format(time.RFC3339)
	resp, body = f.do(t, http.MethodGet, "/v1/plugins/"+id+"/records?since="+since, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["records"], 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/plugins/"+id+"/records?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/plugins/ghost/records", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.jobs.CreateJob(ctx, core.Job{
			ID: fmt.Sprintf("j%d", i), PluginID: "p1", State: core.JobQueued,
			Attempt: 1, Created: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	_, err := f.jobs.UpdateJobState(ctx, "j0", core.JobClaimed, "", "")
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/v1/jobs/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["jobs"], 3)

	resp, body = f.do(t, http.MethodGet, "/v1/jobs/?status=queued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["jobs"], 2)

	resp, body = f.do(t, http.MethodGet, "/v1/jobs/?status=queued,claimed&plugin=p1&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["jobs"], 2)

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs/?limit=-3", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	require.NoError(t, f.jobs.CreateJob(context.Background(), core.Job{
		ID: "j1", PluginID: "p1", State: core.JobQueued, Attempt: 1, Created: time.Now(),
	}))

	resp, body := f.do(t, http.MethodGet, "/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "queued", body["state"])

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, core.Job{
		ID: "j1", PluginID: "p1", State: core.JobQueued, Attempt: 1, Created: time.Now(),
	}))
	// The pool fake does not touch the store; mirror its effect.
	_, err := f.jobs.UpdateJobState(ctx, "j1", core.JobCancelled, "", "cancelled by request")
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/v1/jobs/j1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", body["state"])
	require.Equal(t, []string{"j1"}, f.pool.cancelled)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.pool.cancelErr = core.ErrInvalidTransition
	resp, _ := f.do(t, http.MethodPost, "/v1/jobs/j1/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListWorkers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.pool.slots = []core.WorkerSlot{
		{ID: "worker-1", Status: core.SlotBusy, CurrentJobID: "j1", LastHeartbeat: time.Now()},
		{ID: "worker-2", Status: core.SlotIdle, LastHeartbeat: time.Now()},
	}

	resp, body := f.do(t, http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workers := body["workers"].([]any)
	require.Len(t, workers, 2)
	first := workers[0].(map[string]any)
	require.Equal(t, "busy", first["status"])
	require.Equal(t, "j1", first["current_job_id"])
}

func TestQueryLogs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.hub.Emit(eventlog.Event{Level: eventlog.LevelInfo, Source: "scheduler", Message: "job queued"})
	f.hub.Emit(eventlog.Event{Level: eventlog.LevelError, Source: "worker", JobID: "j1", Message: "job failed"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.hub.Query(eventlog.Filter{})) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/logs?level=error", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	evt := events[0].(map[string]any)
	require.Equal(t, "job failed", evt["message"])

	resp, body = f.do(t, http.MethodGet, "/v1/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events = body["events"].([]any)
	require.Len(t, events, 1)
	// Tail limit keeps the newest event.
	require.Equal(t, "job failed", events[0].(map[string]any)["message"])

	resp, _ = f.do(t, http.MethodGet, "/v1/logs?level=loud", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamLogsSSE(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.hub.Emit(eventlog.Event{Level: eventlog.LevelInfo, Source: "scheduler", Message: "job queued"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.hub.Query(eventlog.Filter{})) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/v1/logs/stream", nil)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var idLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			idLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	require.Equal(t, "id: 1", idLine)

	var evt eventlog.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &evt))
	require.Equal(t, "job queued", evt.Message)
	require.Equal(t, uint64(1), evt.Seq)
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{AuthEnabled: true, APIKey: "sekret"})

	// Health endpoints stay open.
	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/plugins/", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/plugins/", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekret")
	authed, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	require.Equal(t, http.StatusOK, authed.StatusCode)

	// Query-parameter form for SSE clients that cannot set headers.
	resp, _ = f.do(t, http.MethodGet, "/v1/workers?api_key=sekret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/workers?api_key=wrong", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	warm, _ := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, warm.StatusCode)

	// The request counter is recorded after the handler returns, so the
	// sample may land just after the warm-up response is read.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := f.server.Client().Get(f.server.URL + "/metrics")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		if strings.Contains(string(raw), "crawld_http_requests_total") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("request counter never appeared in /metrics output")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
