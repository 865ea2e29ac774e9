// Package detector flags anomalous samples with z-scores against rolling history.
package detector

import (
	"math"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/stats"
)

// Detector evaluates the samples of one metric in arrival order. It is not safe
// for concurrent use.
type Detector struct {
	strategy Strategy
	state    *state
}

// New creates a detector; a nil strategy selects Statistical with the default threshold.
func New(strategy Strategy) *Detector {
	if strategy == nil {
		strategy = Statistical{Thresh: DefaultThreshold}
	}
	return &Detector{strategy: strategy, state: strategy.newState()}
}

// Strategy returns the configured strategy.
func (d *Detector) Strategy() Strategy { return d.strategy }

// Evaluate scores s and then observes it. Each sample must be evaluated once.
func (d *Detector) Evaluate(s models.Sample) models.AnomalyFlag {
	score, scored := d.strategy.evaluate(d.state, s.Value)
	return models.AnomalyFlag{
		Timestamp: s.Timestamp,
		Value:     s.Value,
		Score:     score,
		IsAnomaly: scored && math.Abs(score) > d.strategy.Threshold(),
	}
}

// Forget removes a sample evicted from the metric buffer. A false result means
// the statistics lost precision and must be rebuilt with Rebuild.
func (d *Detector) Forget(s models.Sample) bool {
	return d.strategy.forget(d.state, s.Value)
}

// Rebuild recomputes the retained-sample statistics from values. Sliding
// windows keep their own ring and ignore it.
func (d *Detector) Rebuild(values []float64) {
	if d.state.window == nil {
		d.state.global.Rebuild(values)
	}
}

// Stats returns the statistics the next sample will be scored against.
func (d *Detector) Stats() stats.State {
	if d.state.window != nil {
		return d.state.window.Snapshot()
	}
	return d.state.global.Snapshot()
}

// DetectSeries scores a whole series against its own mean and deviation. It is
// the offline counterpart of Evaluate used for replay reports.
func DetectSeries(series []models.Sample, threshold float64) []models.AnomalyFlag {
	if len(series) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var rolling stats.Rolling
	for _, s := range series {
		rolling.Observe(s.Value)
	}

	anomalies := make([]models.AnomalyFlag, 0)
	for _, s := range series {
		score := rolling.ZScore(s.Value)
		if math.Abs(score) > threshold {
			anomalies = append(anomalies, models.AnomalyFlag{
				Timestamp: s.Timestamp,
				Value:     s.Value,
				Score:     score,
				IsAnomaly: true,
			})
		}
	}
	return anomalies
}
