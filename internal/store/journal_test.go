package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-vitals/internal/models"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "vitals.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func closedPeriod(id, metric string, start, end int64, sev models.Severity) models.PeriodChange {
	return models.PeriodChange{
		Kind: models.PeriodClosed,
		Period: models.IncidentPeriod{
			ID: id, Metric: metric, Start: start, End: end,
			Severity: sev, PeakScore: 3.4, Points: 3,
		},
	}
}

func TestMigrationsApplyOnceAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitals.db")
	j, err := Open(path, nil)
	require.NoError(t, err)
	v, err := j.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	require.NoError(t, j.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	v, err = reopened.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestRecordSkipsOutcomesWithoutHistory(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	opened := models.PeriodChange{Kind: models.PeriodOpened, Period: models.IncidentPeriod{ID: "p0", Metric: "LCP", Start: 1, End: 1}}
	require.NoError(t, j.Record(ctx, models.IngestOutcome{
		Sample:        models.Sample{Metric: "LCP", Timestamp: 1, Value: 1},
		PeriodChanges: []models.PeriodChange{opened},
	}))

	periods, err := j.ListPeriods(ctx, Query{})
	require.NoError(t, err)
	assert.Empty(t, periods, "open periods are not journaled")
}

func TestRecordPersistsClosedPeriodsAndEvents(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	ev := models.BudgetEvent{
		Kind: models.BudgetViolated, Metric: "LCP", BudgetID: "b1",
		Value: 3000, Threshold: 2500, Status: models.BudgetFail,
		AlertLevel: models.AlertLevelError, Timestamp: 9000,
	}
	outcome := models.IngestOutcome{
		Sample: models.Sample{Metric: "LCP", Timestamp: 9000, Value: 3000},
		PeriodChanges: []models.PeriodChange{
			closedPeriod("p1", "LCP", 1000, 4000, models.SeverityHigh),
			{Kind: models.PeriodOpened, Period: models.IncidentPeriod{ID: "p2", Metric: "LCP", Start: 9000, End: 9000, Open: true}},
		},
		BudgetEvents: []models.BudgetEvent{ev},
	}
	require.NoError(t, j.Record(ctx, outcome))
	// Replaying the same outcome must not duplicate rows.
	require.NoError(t, j.Record(ctx, outcome))

	periods, err := j.ListPeriods(ctx, Query{Metric: "LCP"})
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, "p1", periods[0].ID)
	assert.Equal(t, models.SeverityHigh, periods[0].Severity)
	assert.Equal(t, int64(3000), periods[0].Duration())
	assert.False(t, periods[0].Open)

	events, err := j.ListBudgetEvents(ctx, Query{Metric: "LCP"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev, events[0])
}

func TestListFiltersAndOrders(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordPeriod(ctx, closedPeriod("a", "LCP", 1000, 2000, models.SeverityLow).Period))
	require.NoError(t, j.RecordPeriod(ctx, closedPeriod("b", "LCP", 5000, 6000, models.SeverityMedium).Period))
	require.NoError(t, j.RecordPeriod(ctx, closedPeriod("c", "CLS", 3000, 3500, models.SeverityLow).Period))

	all, err := j.ListPeriods(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	lcp, err := j.ListPeriods(ctx, Query{Metric: "LCP", From: 2000})
	require.NoError(t, err)
	require.Len(t, lcp, 1)
	assert.Equal(t, "b", lcp[0].ID)

	limited, err := j.ListPeriods(ctx, Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].ID)

	// Upsert on the same id updates the stored span.
	updated := closedPeriod("a", "LCP", 1000, 2500, models.SeverityHigh).Period
	require.NoError(t, j.RecordPeriod(ctx, updated))
	got, err := j.ListPeriods(ctx, Query{Metric: "LCP", To: 1500})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2500), got[0].End)
	assert.Equal(t, models.SeverityHigh, got[0].Severity)
}

func TestRunDrainsUntilClosed(t *testing.T) {
	j := newTestJournal(t)
	outcomes := make(chan models.IngestOutcome, 1)
	outcomes <- models.IngestOutcome{
		Sample:        models.Sample{Metric: "FID", Timestamp: 10},
		PeriodChanges: []models.PeriodChange{closedPeriod("f1", "FID", 1, 10, models.SeverityLow)},
	}
	close(outcomes)

	j.Run(context.Background(), outcomes)

	periods, err := j.ListPeriods(context.Background(), Query{Metric: "FID"})
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}

func TestRunWritesQueuedOutcomesOnCancel(t *testing.T) {
	j := newTestJournal(t)
	outcomes := make(chan models.IngestOutcome, 2)
	outcomes <- models.IngestOutcome{
		Sample:        models.Sample{Metric: "LCP", Timestamp: 10},
		PeriodChanges: []models.PeriodChange{closedPeriod("l1", "LCP", 1, 10, models.SeverityHigh)},
	}
	outcomes <- models.IngestOutcome{
		Sample:        models.Sample{Metric: "LCP", Timestamp: 20},
		PeriodChanges: []models.PeriodChange{closedPeriod("l2", "LCP", 15, 20, models.SeverityLow)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.Run(ctx, outcomes)

	periods, err := j.ListPeriods(context.Background(), Query{Metric: "LCP"})
	require.NoError(t, err)
	assert.Len(t, periods, 2)
	assert.Empty(t, outcomes)
}
