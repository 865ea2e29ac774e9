// Package patterns mines recurring regressions from incident history.
package patterns

import (
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-vitals/internal/models"
)

const (
	topBudgetLimit = 3
	leaderLimit    = 3

	// DefaultSlack widens period overlap checks so that back-to-back incidents still correlate.
	DefaultSlack = 30 * time.Second
)

// Miner aggregates incident periods and budget events into per-metric patterns.
type Miner struct {
	rules  *RuleEngine
	slack  time.Duration
	logger *slog.Logger
}

// NewMiner constructs a Miner; rules may be nil.
func NewMiner(logger *slog.Logger, rules *RuleEngine) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{rules: rules, slack: DefaultSlack, logger: logger}
}

// Mine returns one pattern per metric with at least one closed period,
// most prevalent first. Open periods are ignored.
func (m *Miner) Mine(periods []models.IncidentPeriod, events []models.BudgetEvent) []models.RegressionPattern {
	closed := make([]models.IncidentPeriod, 0, len(periods))
	for _, p := range periods {
		if !p.Open {
			closed = append(closed, p)
		}
	}
	if len(closed) == 0 {
		return nil
	}

	byMetric := make(map[string]*metricAggregate)
	for _, p := range closed {
		agg := ensureAggregate(byMetric, p.Metric)
		agg.count++
		agg.peakScores += p.PeakScore
		agg.durations += p.End - p.Start
		agg.worst = models.MaxSeverity(agg.worst, p.Severity)
		if p.End > agg.lastSeen {
			agg.lastSeen = p.End
		}
	}
	for _, ev := range events {
		if ev.Kind != models.BudgetViolated {
			continue
		}
		agg := ensureAggregate(byMetric, ev.Metric)
		agg.violations++
		agg.budgetCounts[ev.BudgetID]++
	}

	patterns := make([]models.RegressionPattern, 0, len(byMetric))
	for metric, agg := range byMetric {
		if agg.count == 0 {
			continue
		}
		pattern := models.RegressionPattern{
			ID:             "pattern-" + metric,
			Metric:         metric,
			Periods:        agg.count,
			Prevalence:     float64(agg.count) / float64(len(closed)),
			WorstSeverity:  agg.worst,
			MeanPeakScore:  agg.peakScores / float64(agg.count),
			MeanDurationMs: agg.durations / int64(agg.count),
			LastSeen:       agg.lastSeen,
			Violations:     agg.violations,
			TopBudgets:     agg.topBudgets(topBudgetLimit),
			Leaders:        Leaders(metric, closed, m.slack),
		}
		if len(pattern.Leaders) > leaderLimit {
			pattern.Leaders = pattern.Leaders[:leaderLimit]
		}
		pattern.Recommendations = m.rules.Recommend(pattern)
		patterns = append(patterns, pattern)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Prevalence != patterns[j].Prevalence {
			return patterns[i].Prevalence > patterns[j].Prevalence
		}
		return patterns[i].Metric < patterns[j].Metric
	})
	m.logger.Debug("patterns mined", slog.Int("periods", len(closed)), slog.Int("patterns", len(patterns)))
	return patterns
}

type metricAggregate struct {
	count        int
	peakScores   float64
	durations    int64
	worst        models.Severity
	lastSeen     int64
	violations   int
	budgetCounts map[string]int
}

func ensureAggregate(m map[string]*metricAggregate, metric string) *metricAggregate {
	if metric == "" {
		metric = "unknown"
	}
	agg, ok := m[metric]
	if !ok {
		agg = &metricAggregate{budgetCounts: make(map[string]int)}
		m[metric] = agg
	}
	return agg
}

func (agg *metricAggregate) topBudgets(limit int) []string {
	budgets := make([]string, 0, len(agg.budgetCounts))
	for id := range agg.budgetCounts {
		budgets = append(budgets, id)
	}
	sort.Slice(budgets, func(i, j int) bool {
		if agg.budgetCounts[budgets[i]] != agg.budgetCounts[budgets[j]] {
			return agg.budgetCounts[budgets[i]] > agg.budgetCounts[budgets[j]]
		}
		return budgets[i] < budgets[j]
	})
	if len(budgets) > limit {
		budgets = budgets[:limit]
	}
	return budgets
}
