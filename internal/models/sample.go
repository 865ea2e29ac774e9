package models

// Sample is one timestamped observation of a named metric. Timestamps are
// milliseconds since the Unix epoch.
type Sample struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Timestamp int64   `json:"timestamp" yaml:"timestamp"`
	Value     float64 `json:"value" yaml:"value"`
}

// AnomalyFlag is the detector verdict for a single sample.
type AnomalyFlag struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Score     float64 `json:"score"`
	IsAnomaly bool    `json:"isAnomaly"`
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities so that max(a, b) can be taken.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IncidentPeriod is a merged span of anomalous samples.
type IncidentPeriod struct {
	ID        string   `json:"id"`
	Metric    string   `json:"metric"`
	Start     int64    `json:"start"`
	End       int64    `json:"end"`
	Severity  Severity `json:"severity"`
	PeakScore float64  `json:"peakScore"`
	Points    int      `json:"points"`
	Open      bool     `json:"open"`
}

// Duration returns the span length in milliseconds.
func (p IncidentPeriod) Duration() int64 {
	return p.End - p.Start
}

// PeriodChangeKind enumerates incident period lifecycle transitions.
type PeriodChangeKind string

const (
	PeriodOpened   PeriodChangeKind = "opened"
	PeriodExtended PeriodChangeKind = "extended"
	PeriodClosed   PeriodChangeKind = "closed"
)

// PeriodChange reports a transition of an incident period. Period is a copy.
type PeriodChange struct {
	Kind   PeriodChangeKind `json:"kind"`
	Period IncidentPeriod   `json:"period"`
}
