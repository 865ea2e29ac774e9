package models

// IngestOutcome is everything one ingested sample produced.
type IngestOutcome struct {
	Sample        Sample         `json:"sample"`
	Flag          AnomalyFlag    `json:"flag"`
	PeriodChanges []PeriodChange `json:"periodChanges,omitempty"`
	Statuses      []BudgetStatus `json:"statuses,omitempty"`
	BudgetEvents  []BudgetEvent  `json:"budgetEvents,omitempty"`
}

// IsAnomaly reports whether the sample was flagged.
func (o IngestOutcome) IsAnomaly() bool {
	return o.Flag.IsAnomaly
}

// OutcomeKind is a subscription filter category.
type OutcomeKind string

const (
	OutcomeSample  OutcomeKind = "sample"
	OutcomeAnomaly OutcomeKind = "anomaly"
	OutcomePeriod  OutcomeKind = "period"
	OutcomeBudget  OutcomeKind = "budget"
)

// Kinds lists the categories an outcome belongs to. Every outcome is a sample.
func (o IngestOutcome) Kinds() []OutcomeKind {
	kinds := []OutcomeKind{OutcomeSample}
	if o.Flag.IsAnomaly {
		kinds = append(kinds, OutcomeAnomaly)
	}
	if len(o.PeriodChanges) > 0 {
		kinds = append(kinds, OutcomePeriod)
	}
	if len(o.BudgetEvents) > 0 {
		kinds = append(kinds, OutcomeBudget)
	}
	return kinds
}

// ParseOutcomeKind validates a filter name.
func ParseOutcomeKind(v string) (OutcomeKind, bool) {
	switch OutcomeKind(v) {
	case OutcomeSample, OutcomeAnomaly, OutcomePeriod, OutcomeBudget:
		return OutcomeKind(v), true
	}
	return "", false
}
