package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

const maxReplayErrors = 10

// ReplayReport summarises a bulk Replay.
type ReplayReport struct {
	Processed     int                  `json:"processed"`
	Rejected      int                  `json:"rejected"`
	OutOfOrder    int                  `json:"outOfOrder"`
	Anomalies     int                  `json:"anomalies"`
	PeriodsOpened int                  `json:"periodsOpened"`
	PeriodsClosed int                  `json:"periodsClosed"`
	BudgetEvents  []models.BudgetEvent `json:"budgetEvents,omitempty"`
	Errors        []string             `json:"errors,omitempty"`
}

// Replay ingests samples in order. Per-sample errors are counted as rejections.
// ctx is checked between samples, so an aborted replay never leaves a sample
// half applied; the report covers what was processed before the abort.
func (e *Engine) Replay(ctx context.Context, samples []models.Sample) (ReplayReport, error) {
	var report ReplayReport
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("replay aborted", slog.Int("processed", report.Processed), slog.Any("error", err))
			return report, err
		}
		outcome, err := e.Ingest(s)
		if err != nil {
			report.Rejected++
			if errors.Is(err, utils.ErrOutOfOrderSample) {
				report.OutOfOrder++
			}
			if len(report.Errors) < maxReplayErrors {
				report.Errors = append(report.Errors, err.Error())
			}
			continue
		}
		report.Processed++
		if outcome.Flag.IsAnomaly {
			report.Anomalies++
		}
		for _, c := range outcome.PeriodChanges {
			switch c.Kind {
			case models.PeriodOpened:
				report.PeriodsOpened++
			case models.PeriodClosed:
				report.PeriodsClosed++
			}
		}
		report.BudgetEvents = append(report.BudgetEvents, outcome.BudgetEvents...)
	}
	e.logger.Info("replay complete",
		slog.Int("processed", report.Processed),
		slog.Int("rejected", report.Rejected),
		slog.Int("anomalies", report.Anomalies),
	)
	return report, nil
}
