package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-vitals/internal/cache"
	"github.com/miradorstack/mirador-vitals/internal/engine"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/repo"
	"github.com/miradorstack/mirador-vitals/internal/store"
)

func writeSamples(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, `{"metric":"LCP","timestamp":%d,"value":%v},`, i*1000, 2000+[]float64{40, -35, 30, -40, 35, -30}[i%6])
	}
	b.WriteString(`{"metric":"LCP","timestamp":20000,"value":9000},{"metric":"LCP","timestamp":1000,"value":2000}]`)
	path := filepath.Join(t.TempDir(), "samples.json")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func TestReplayCommandReportsIncidents(t *testing.T) {
	t.Setenv("MIRADOR_VITALS_CONFIG", "")
	t.Setenv("MIRADOR_VITALS_LOG_LEVEL", "error")

	var out bytes.Buffer
	require.NoError(t, replay(context.Background(), writeSamples(t), &out))

	var result replayOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, 21, result.Report.Processed)
	assert.Equal(t, 1, result.Report.Rejected)
	assert.GreaterOrEqual(t, result.Report.Anomalies, 1)
	require.Len(t, result.Periods["LCP"], 1)
	assert.False(t, result.Periods["LCP"][0].Open, "periods are flushed at end of replay")
	assert.Equal(t, uint64(21), result.Stats.Ingested)
	require.Len(t, result.Patterns, 1)
	assert.Equal(t, "LCP", result.Patterns[0].Metric)
}

func TestReplayCommandRejectsBadInput(t *testing.T) {
	t.Setenv("MIRADOR_VITALS_CONFIG", "")
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"value":1}`), 0o600))
	assert.Error(t, replay(context.Background(), path, io.Discard))
	assert.Error(t, replay(context.Background(), filepath.Join(t.TempDir(), "missing.json"), io.Discard))
}

func TestBudgetLoaderClearsRemovedMetrics(t *testing.T) {
	eng := engine.New(engine.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Clock: clock.NewMock()})
	loader := &budgetLoader{
		engine: eng,
		inline: []models.Budget{{ID: "lcp", Metric: "LCP", Threshold: 2500, Unit: "ms", Enabled: true}},
	}

	require.NoError(t, loader.apply([]models.Budget{{ID: "cls", Metric: "CLS", Threshold: 0.1, Unit: "score", Enabled: true}}))
	assert.Len(t, eng.Budgets().For("LCP"), 1)
	assert.Len(t, eng.Budgets().For("CLS"), 1)

	require.NoError(t, loader.apply(nil))
	assert.Len(t, eng.Budgets().For("LCP"), 1, "inline budgets survive reloads")
	assert.Empty(t, eng.Budgets().For("CLS"))

	assert.Error(t, loader.apply([]models.Budget{{ID: "bad", Metric: "INP", Threshold: -1, Unit: "ms", Enabled: true}}))
}

func TestRootCommandWiresSubcommands(t *testing.T) {
	names := make([]string, 0, len(rootCmd.Commands()))
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "replay", "version"})
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestBackfillOutcomesReachSubscribedJournal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		series := make([]map[string]any, 0, 7)
		for i, v := range []float64{2000, 2010, 1990, 2005, 1995, 3000, 2000} {
			series = append(series, map[string]any{"timestamp": (i + 1) * 1000, "value": v})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"metric": "LCP", "series": series})
	}))
	defer core.Close()

	eng := engine.New(engine.Options{Logger: logger, Clock: clock.NewMock()})
	require.NoError(t, eng.RegisterMetric("LCP", engine.DefaultMetricConfig()))
	_, err := eng.SetBudgets("LCP", []models.Budget{{ID: "lcp", Metric: "LCP", Threshold: 2500, Unit: "ms", AlertLevel: models.AlertLevelError, Enabled: true}})
	require.NoError(t, err)

	journal, err := store.Open(filepath.Join(t.TempDir(), "journal.db"), logger)
	require.NoError(t, err)
	defer journal.Close()

	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	require.NoError(t, runSink(sinkCtx, &wg, eng, journal.Run))

	backfill(context.Background(), eng, repo.NewCoreClient(core.URL, "/api/v1/vitals/series", time.Second), time.Hour, logger)
	cancelSinks()
	wg.Wait()

	events, err := journal.ListBudgetEvents(context.Background(), store.Query{Metric: "LCP"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	kinds := []models.BudgetEventKind{events[0].Kind, events[1].Kind}
	assert.ElementsMatch(t, []models.BudgetEventKind{models.BudgetViolated, models.BudgetRecovered}, kinds)
}

type unreachableCache struct{ cache.NoopProvider }

func (unreachableCache) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadinessTracksCache(t *testing.T) {
	rec := httptest.NewRecorder()
	newHealth(cache.NoopProvider{}, nil).ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newHealth(unreachableCache{}, nil).ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
