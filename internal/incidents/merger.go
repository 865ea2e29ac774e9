// Package incidents folds anomalous samples into incident periods.
package incidents

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-vitals/internal/models"
)

const (
	// DefaultMaxGap is the largest distance between anomalies of one period.
	DefaultMaxGap = 5 * time.Minute
	// DefaultHistoryLimit bounds the closed periods kept per metric.
	DefaultHistoryLimit = 256
)

var periodNamespace = uuid.MustParse("6f1c9a8e-3b0d-4f57-9a53-0f4cbb7d2e11")

// SeverityForScore maps |score| onto the severity bands.
func SeverityForScore(score float64) models.Severity {
	abs := math.Abs(score)
	switch {
	case abs > 4:
		return models.SeverityHigh
	case abs > 3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Merger is the per-metric period state machine. It is idle while open is nil.
// It is not safe for concurrent use.
type Merger struct {
	metric       string
	maxGap       int64
	historyLimit int
	seq          uint64
	open         *models.IncidentPeriod
	closed       []models.IncidentPeriod
}

// NewMerger creates a merger. Zero maxGap or historyLimit select the defaults.
func NewMerger(metric string, maxGap time.Duration, historyLimit int) *Merger {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Merger{
		metric:       metric,
		maxGap:       maxGap.Milliseconds(),
		historyLimit: historyLimit,
	}
}

// MaxGap returns the gap tolerance.
func (m *Merger) MaxGap() time.Duration { return time.Duration(m.maxGap) * time.Millisecond }

// Observe applies one flag. Non-anomalous flags never change state; an open
// period survives them and closes only when a later anomaly lands beyond maxGap
// or on Flush.
func (m *Merger) Observe(flag models.AnomalyFlag) []models.PeriodChange {
	if !flag.IsAnomaly {
		return nil
	}
	severity := SeverityForScore(flag.Score)
	peak := math.Abs(flag.Score)

	if m.open != nil && flag.Timestamp-m.open.End <= m.maxGap {
		p := m.open
		if flag.Timestamp > p.End {
			p.End = flag.Timestamp
		}
		if flag.Timestamp < p.Start {
			p.Start = flag.Timestamp
		}
		p.Severity = models.MaxSeverity(p.Severity, severity)
		p.PeakScore = math.Max(p.PeakScore, peak)
		p.Points++
		return []models.PeriodChange{{Kind: models.PeriodExtended, Period: *p}}
	}

	var changes []models.PeriodChange
	if closed := m.Flush(); closed != nil {
		changes = append(changes, *closed)
	}
	m.seq++
	m.open = &models.IncidentPeriod{
		ID:        m.periodID(flag.Timestamp),
		Metric:    m.metric,
		Start:     flag.Timestamp,
		End:       flag.Timestamp,
		Severity:  severity,
		PeakScore: peak,
		Points:    1,
		Open:      true,
	}
	return append(changes, models.PeriodChange{Kind: models.PeriodOpened, Period: *m.open})
}

// IDs derive from the metric, start and ordinal so identical inputs give identical periods.
func (m *Merger) periodID(start int64) string {
	return uuid.NewSHA1(periodNamespace, []byte(fmt.Sprintf("%s/%d/%d", m.metric, start, m.seq))).String()
}

// Flush closes the open period, returning the closed change or nil when idle.
func (m *Merger) Flush() *models.PeriodChange {
	if m.open == nil {
		return nil
	}
	p := *m.open
	p.Open = false
	m.open = nil

	m.closed = append(m.closed, p)
	if over := len(m.closed) - m.historyLimit; over > 0 {
		m.closed = append(m.closed[:0:0], m.closed[over:]...)
	}
	return &models.PeriodChange{Kind: models.PeriodClosed, Period: p}
}

// Open returns a copy of the open period.
func (m *Merger) Open() (models.IncidentPeriod, bool) {
	if m.open == nil {
		return models.IncidentPeriod{}, false
	}
	return *m.open, true
}

// Periods returns closed history followed by the open period, ordered by start.
func (m *Merger) Periods() []models.IncidentPeriod {
	out := make([]models.IncidentPeriod, 0, len(m.closed)+1)
	out = append(out, m.closed...)
	if m.open != nil {
		out = append(out, *m.open)
	}
	return out
}
