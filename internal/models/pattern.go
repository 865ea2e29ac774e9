package models

// RegressionPattern aggregates the incident history of one metric.
type RegressionPattern struct {
	ID              string         `json:"id"`
	Metric          string         `json:"metric"`
	Periods         int            `json:"periods"`
	Prevalence      float64        `json:"prevalence"`
	WorstSeverity   Severity       `json:"worstSeverity"`
	MeanPeakScore   float64        `json:"meanPeakScore"`
	MeanDurationMs  int64          `json:"meanDurationMs"`
	LastSeen        int64          `json:"lastSeen"`
	Violations      int            `json:"violations"`
	TopBudgets      []string       `json:"topBudgets,omitempty"`
	Leaders         []MetricLeader `json:"leaders,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// MetricLeader is another metric whose incidents tend to start first.
type MetricLeader struct {
	Metric   string  `json:"metric"`
	Overlaps int     `json:"overlaps"`
	Precedes int     `json:"precedes"`
	Score    float64 `json:"score"`
}
