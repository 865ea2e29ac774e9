// Package store persists closed incident periods and budget crossings to an
// embedded SQLite journal.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/miradorstack/mirador-vitals/internal/metrics"
	"github.com/miradorstack/mirador-vitals/internal/models"
)

const sinkJournal = "journal"

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS incident_periods (
    id          TEXT PRIMARY KEY,
    metric      TEXT NOT NULL,
    start_ms    INTEGER NOT NULL,
    end_ms      INTEGER NOT NULL,
    severity    TEXT NOT NULL DEFAULT 'low',
    peak_score  REAL NOT NULL DEFAULT 0.0,
    points      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_periods_metric_start ON incident_periods(metric, start_ms DESC);

CREATE TABLE IF NOT EXISTS budget_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    metric       TEXT NOT NULL,
    budget_id    TEXT NOT NULL,
    kind         TEXT NOT NULL,
    value        REAL NOT NULL,
    threshold    REAL NOT NULL,
    status       TEXT NOT NULL,
    alert_level  TEXT NOT NULL DEFAULT 'warning',
    ts_ms        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_events_metric_ts ON budget_events(metric, ts_ms DESC);
`,
	},
	{
		version: 2,
		sql: `
CREATE UNIQUE INDEX IF NOT EXISTS idx_budget_events_crossing ON budget_events(budget_id, kind, ts_ms);
`,
	},
}

// Query filters journal listings. Zero values mean unbounded.
type Query struct {
	Metric string
	From   int64
	To     int64
	Limit  int
}

// Journal is the SQLite-backed history of incidents and budget crossings.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the journal at path and applies pending migrations.
// Pass ":memory:" for a throwaway journal.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := j.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := j.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := j.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (j *Journal) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_versions`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// Close releases the database.
func (j *Journal) Close() error { return j.db.Close() }

// Ping checks the database is reachable.
func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPeriod(ctx context.Context, ex execer, p models.IncidentPeriod) error {
	_, err := ex.ExecContext(ctx, `
        INSERT INTO incident_periods(id, metric, start_ms, end_ms, severity, peak_score, points)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            end_ms=excluded.end_ms,
            severity=excluded.severity,
            peak_score=excluded.peak_score,
            points=excluded.points
    `, p.ID, p.Metric, p.Start, p.End, string(p.Severity), p.PeakScore, p.Points)
	return err
}

func insertEvent(ctx context.Context, ex execer, ev models.BudgetEvent) error {
	_, err := ex.ExecContext(ctx, `
        INSERT OR IGNORE INTO budget_events(metric, budget_id, kind, value, threshold, status, alert_level, ts_ms)
        VALUES(?,?,?,?,?,?,?,?)
    `, ev.Metric, ev.BudgetID, string(ev.Kind), ev.Value, ev.Threshold, string(ev.Status), string(ev.AlertLevel), ev.Timestamp)
	return err
}

// RecordPeriod stores a closed incident period. Re-recording the same ID updates it.
func (j *Journal) RecordPeriod(ctx context.Context, p models.IncidentPeriod) error {
	err := insertPeriod(ctx, j.db, p)
	metrics.ObserveSinkWrite(sinkJournal, err)
	return err
}

// RecordBudgetEvent stores a budget crossing. Duplicate crossings are ignored.
func (j *Journal) RecordBudgetEvent(ctx context.Context, ev models.BudgetEvent) error {
	err := insertEvent(ctx, j.db, ev)
	metrics.ObserveSinkWrite(sinkJournal, err)
	return err
}

// Record persists the closed periods and budget events of one outcome atomically.
// Outcomes carrying neither are skipped.
func (j *Journal) Record(ctx context.Context, o models.IngestOutcome) (err error) {
	var closed []models.IncidentPeriod
	for _, c := range o.PeriodChanges {
		if c.Kind == models.PeriodClosed {
			closed = append(closed, c.Period)
		}
	}
	if len(closed) == 0 && len(o.BudgetEvents) == 0 {
		return nil
	}

	defer func() { metrics.ObserveSinkWrite(sinkJournal, err) }()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, p := range closed {
		if err = insertPeriod(ctx, tx, p); err != nil {
			return fmt.Errorf("insert period %s: %w", p.ID, err)
		}
	}
	for _, ev := range o.BudgetEvents {
		if err = insertEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("insert budget event %s: %w", ev.BudgetID, err)
		}
	}
	return tx.Commit()
}

// Run journals outcomes until ctx is cancelled or the channel closes. On
// cancellation the outcomes already queued are still written.
func (j *Journal) Run(ctx context.Context, outcomes <-chan models.IngestOutcome) {
	for {
		select {
		case <-ctx.Done():
			j.drain(context.WithoutCancel(ctx), outcomes)
			return
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			j.write(ctx, o)
		}
	}
}

func (j *Journal) drain(ctx context.Context, outcomes <-chan models.IngestOutcome) {
	for {
		select {
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			j.write(ctx, o)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, o models.IngestOutcome) {
	if err := j.Record(ctx, o); err != nil {
		j.logger.Warn("journal write failed", slog.String("metric", o.Sample.Metric), slog.Any("error", err))
	}
}

func (q Query) where(tsColumn string) (string, []any) {
	clause := ` WHERE 1=1`
	args := []any{}
	if q.Metric != "" {
		clause += ` AND metric = ?`
		args = append(args, q.Metric)
	}
	if q.From > 0 {
		clause += ` AND ` + tsColumn + ` >= ?`
		args = append(args, q.From)
	}
	if q.To > 0 {
		clause += ` AND ` + tsColumn + ` <= ?`
		args = append(args, q.To)
	}
	clause += ` ORDER BY ` + tsColumn + ` DESC`
	if q.Limit > 0 {
		clause += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	return clause, args
}

// ListPeriods returns journaled periods, newest first.
func (j *Journal) ListPeriods(ctx context.Context, q Query) ([]models.IncidentPeriod, error) {
	clause, args := q.where("start_ms")
	rows, err := j.db.QueryContext(ctx, `SELECT id, metric, start_ms, end_ms, severity, peak_score, points FROM incident_periods`+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.IncidentPeriod{}
	for rows.Next() {
		var p models.IncidentPeriod
		var severity string
		if err := rows.Scan(&p.ID, &p.Metric, &p.Start, &p.End, &severity, &p.PeakScore, &p.Points); err != nil {
			return nil, err
		}
		p.Severity = models.Severity(severity)
		result = append(result, p)
	}
	return result, rows.Err()
}

// ListBudgetEvents returns journaled budget crossings, newest first.
func (j *Journal) ListBudgetEvents(ctx context.Context, q Query) ([]models.BudgetEvent, error) {
	clause, args := q.where("ts_ms")
	rows, err := j.db.QueryContext(ctx, `SELECT metric, budget_id, kind, value, threshold, status, alert_level, ts_ms FROM budget_events`+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.BudgetEvent{}
	for rows.Next() {
		var ev models.BudgetEvent
		var kind, status, level string
		if err := rows.Scan(&ev.Metric, &ev.BudgetID, &kind, &ev.Value, &ev.Threshold, &status, &level, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Kind = models.BudgetEventKind(kind)
		ev.Status = models.BudgetState(status)
		ev.AlertLevel = models.AlertLevel(level)
		result = append(result, ev)
	}
	return result, rows.Err()
}
