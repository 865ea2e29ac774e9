package engine

import (
	"slices"
	"time"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/stats"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// Latest returns the newest sample of metric.
func (e *Engine) Latest(metric string) (models.Sample, error) {
	p, err := e.lookup(metric)
	if err != nil {
		return models.Sample{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.buf.Latest()
	if !ok {
		return models.Sample{}, utils.NewAppError("engine.latest", metric, utils.ErrNoData)
	}
	return s, nil
}

// Window returns a copy of the samples of metric with timestamp >= now-d, where
// now is the engine clock.
func (e *Engine) Window(metric string, d time.Duration) ([]models.Sample, error) {
	p, err := e.lookup(metric)
	if err != nil {
		return nil, err
	}
	now := utils.ToMillis(e.clock.Now())
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := slices.Collect(p.buf.Window(now, d))
	if out == nil {
		out = []models.Sample{}
	}
	return out, nil
}

// Percentile returns the q-quantile (0..1) of the retained samples of metric.
func (e *Engine) Percentile(metric string, q float64) (float64, error) {
	p, err := e.lookup(metric)
	if err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, err := p.percentile(q)
	if err != nil {
		return 0, utils.NewAppError("engine.percentile", metric, err)
	}
	return v, nil
}

// Summary describes the retained samples of metric.
func (e *Engine) Summary(metric string) (stats.Summary, error) {
	p, err := e.lookup(metric)
	if err != nil {
		return stats.Summary{}, err
	}
	p.mu.RLock()
	values := p.buf.Values()
	limit := p.cfg.ExactPercentileLimit
	p.mu.RUnlock()

	s, err := stats.Summarize(values, limit)
	if err != nil {
		return stats.Summary{}, utils.NewAppError("engine.summary", metric, err)
	}
	return s, nil
}

// DetectorStats returns the statistics the next sample of metric is scored against.
func (e *Engine) DetectorStats(metric string) (stats.State, error) {
	p, err := e.lookup(metric)
	if err != nil {
		return stats.State{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.detector.Stats(), nil
}

// IncidentPeriods returns closed history plus the open period of metric,
// ordered by start.
func (e *Engine) IncidentPeriods(metric string) ([]models.IncidentPeriod, error) {
	p, err := e.lookup(metric)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.merger.Periods(), nil
}

// BudgetStatus evaluates every enabled budget of metric against its latest sample.
func (e *Engine) BudgetStatus(metric string) ([]models.BudgetStatus, error) {
	latest, err := e.Latest(metric)
	if err != nil {
		return nil, err
	}
	statuses := e.budgets.Evaluate(metric, latest.Value, latest.Timestamp)
	if statuses == nil {
		statuses = []models.BudgetStatus{}
	}
	return statuses, nil
}
