package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-vitals/internal/cache"
	"github.com/miradorstack/mirador-vitals/internal/engine"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/repo"
	"github.com/miradorstack/mirador-vitals/internal/store"
)

type journalStub struct {
	mu      sync.Mutex
	periods []models.IncidentPeriod
	events  []models.BudgetEvent
	lastQ   store.Query
}

func (j *journalStub) RecordPeriod(_ context.Context, p models.IncidentPeriod) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.periods = append(j.periods, p)
	return nil
}

func (j *journalStub) ListPeriods(_ context.Context, q store.Query) ([]models.IncidentPeriod, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastQ = q
	return append([]models.IncidentPeriod{}, j.periods...), nil
}

func (j *journalStub) ListBudgetEvents(_ context.Context, q store.Query) ([]models.BudgetEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastQ = q
	return append([]models.BudgetEvent{}, j.events...), nil
}

type httpFixture struct {
	engine    *engine.Engine
	journal   *journalStub
	snapshots *repo.SnapshotStore
	server    *httptest.Server
}

func newHTTPFixture(t *testing.T) httpFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	eng := engine.New(engine.Options{Logger: logger, Clock: clk, AutoRegister: true})
	journal := &journalStub{}
	snapshots := repo.NewSnapshotStore(cache.NewMemoryProvider(clk), time.Minute, time.Hour, logger, nil)

	health := healthcheck.NewHandler()
	health.AddReadinessCheck("engine", func() error { return nil })

	router := NewRouter(HTTPOptions{
		Engine:        eng,
		Journal:       journal,
		Snapshots:     snapshots,
		Logger:        logger,
		Health:        health,
		Gatherer:      prometheus.NewRegistry(),
		CORSOrigins:   []string{"https://dash.example.com"},
		StreamBacklog: 8,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return httpFixture{engine: eng, journal: journal, snapshots: snapshots, server: srv}
}

func (f httpFixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(bytes.TrimSpace(data)) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func TestHTTPIngestAndQuery(t *testing.T) {
	f := newHTTPFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/samples", `{"metric":"CLS","timestamp":1000,"value":0.05}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CLS", body["sample"].(map[string]any)["metric"])

	batch := `{"samples":[
		{"metric":"CLS","timestamp":2000,"value":0.07},
		{"metric":"CLS","timestamp":"1970-01-01T00:00:03Z","value":0.06},
		{"metric":"CLS","value":0.06}
	]}`
	code, body = f.do(t, http.MethodPost, "/api/v1/samples", batch)
	require.Equal(t, http.StatusBadRequest, code, "malformed member fails the batch decode")
	assert.Equal(t, CodeInvalidArgument, body["code"])

	code, body = f.do(t, http.MethodPost, "/api/v1/samples", `[{"metric":"CLS","timestamp":2000,"value":0.07},{"metric":"CLS","timestamp":3000,"value":0.06}]`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["accepted"])

	code, body = f.do(t, http.MethodGet, "/api/v1/metrics/CLS/latest", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3000.0, body["timestamp"])

	code, body = f.do(t, http.MethodGet, "/api/v1/metrics/CLS/window?duration=1h", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["samples"], 3)

	code, body = f.do(t, http.MethodGet, "/api/v1/metrics/CLS/percentile?p=1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.07, body["value"])

	code, body = f.do(t, http.MethodGet, "/api/v1/metrics/CLS/summary", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3.0, body["count"])

	code, body = f.do(t, http.MethodGet, "/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"CLS"}, body["metrics"])
}

func TestHTTPErrorBodies(t *testing.T) {
	f := newHTTPFixture(t)
	require.NoError(t, f.engine.RegisterMetric("LCP", engine.MetricConfig{}))

	code, body := f.do(t, http.MethodGet, "/api/v1/metrics/LCP/latest", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNoData, body["code"])

	code, body = f.do(t, http.MethodGet, "/api/v1/metrics/TTFB/latest", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeUnknownMetric, body["code"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/samples", `{"metric":"LCP","timestamp":60000,"value":2000}`)
	require.Equal(t, http.StatusOK, code)
	code, body = f.do(t, http.MethodPost, "/api/v1/samples", `{"metric":"LCP","timestamp":1000,"value":2000}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, CodeOutOfOrder, body["code"])

	code, body = f.do(t, http.MethodGet, "/api/v1/metrics/LCP/percentile?p=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidArgument, body["code"])

	code, body = f.do(t, http.MethodPut, "/api/v1/metrics/LCP", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, CodeMetricExists, body["code"])

	code, body = f.do(t, http.MethodPut, "/api/v1/metrics/LCP/budgets", `[{"id":"x","threshold":-1,"unit":"ms","enabled":true}]`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidBudget, body["code"])
}

func TestHTTPBudgetsAndSnapshot(t *testing.T) {
	f := newHTTPFixture(t)
	handler, outcomes := engine.Buffered(16)
	_, err := f.engine.Subscribe(engine.AllMetrics, handler, models.OutcomeBudget, models.OutcomePeriod)
	require.NoError(t, err)

	code, body := f.do(t, http.MethodPut, "/api/v1/metrics/LCP/budgets", `[{"id":"lcp","threshold":2500,"unit":"ms","alertLevel":"error","enabled":true}]`)
	require.Equal(t, http.StatusOK, code, "%v", body)

	code, _ = f.do(t, http.MethodGet, "/api/v1/metrics/LCP/snapshot", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/samples", `{"metric":"LCP","timestamp":1000,"value":3000}`)
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/metrics/LCP/budgets", "")
	require.Equal(t, http.StatusOK, code)
	statuses := body["statuses"].([]any)
	require.Len(t, statuses, 1)
	assert.Equal(t, "fail", statuses[0].(map[string]any)["status"])

	select {
	case o := <-outcomes:
		require.NoError(t, f.snapshots.Apply(context.Background(), o))
	case <-time.After(time.Second):
		t.Fatal("expected a budget outcome")
	}
	code, body = f.do(t, http.MethodGet, "/api/v1/metrics/LCP/snapshot", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "LCP", body["metric"])
	assert.Len(t, body["budgetEvents"], 1)
}

func TestHTTPJournalAndUnregister(t *testing.T) {
	f := newHTTPFixture(t)
	require.NoError(t, f.engine.RegisterMetric("FID", engine.MetricConfig{}))
	for i := 0; i < 10; i++ {
		_, err := f.engine.IngestValue("FID", int64(i)*1000, 100+float64(i%3))
		require.NoError(t, err)
	}
	outcome, err := f.engine.IngestValue("FID", 10_000, 5000)
	require.NoError(t, err)
	require.True(t, outcome.IsAnomaly())

	code, body := f.do(t, http.MethodDelete, "/api/v1/metrics/FID", "")
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, body["closed"])

	code, body = f.do(t, http.MethodGet, "/api/v1/journal/incidents?metric=FID&from=1000&limit=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["periods"], 1)
	assert.Equal(t, store.Query{Metric: "FID", From: 1000, Limit: 5}, f.journal.lastQ)

	code, body = f.do(t, http.MethodGet, "/api/v1/journal/budget-events?limit=-2", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidArgument, body["code"])
}

func TestHTTPJournalPatterns(t *testing.T) {
	f := newHTTPFixture(t)
	f.journal.periods = []models.IncidentPeriod{
		{ID: "t1", Metric: "TTFB", Start: 0, End: 60_000, Severity: models.SeverityMedium, PeakScore: 3},
		{ID: "l1", Metric: "LCP", Start: 10_000, End: 70_000, Severity: models.SeverityHigh, PeakScore: 5},
	}
	f.journal.events = []models.BudgetEvent{{Kind: models.BudgetViolated, Metric: "LCP", BudgetID: "lcp"}}

	code, body := f.do(t, http.MethodGet, "/api/v1/journal/patterns?metric=LCP", "")
	require.Equal(t, http.StatusOK, code)
	list, ok := body["patterns"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	pattern := list[0].(map[string]any)
	assert.Equal(t, "LCP", pattern["metric"])
	assert.Equal(t, 1.0, pattern["violations"])
	leaders := pattern["leaders"].([]any)
	require.Len(t, leaders, 1)
	assert.Equal(t, "TTFB", leaders[0].(map[string]any)["metric"])
	assert.Empty(t, f.journal.lastQ.Metric, "mining reads every metric")
}

func TestHTTPHealthAndCORS(t *testing.T) {
	f := newHTTPFixture(t)

	code, _ := f.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, code)

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/v1/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketStream(t *testing.T) {
	f := newHTTPFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/stream/INP?kinds=sample"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Eventually(t, func() bool { return f.engine.SubscriberCount("INP") == 1 }, time.Second, 10*time.Millisecond)

	_, err = f.engine.IngestValue("INP", 1000, 180)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var o models.IngestOutcome
	require.NoError(t, conn.ReadJSON(&o))
	assert.Equal(t, "INP", o.Sample.Metric)
	assert.Equal(t, 180.0, o.Sample.Value)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return f.engine.SubscriberCount("INP") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsBadKinds(t *testing.T) {
	f := newHTTPFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/stream/INP?kinds=nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
