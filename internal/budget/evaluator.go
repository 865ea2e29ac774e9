// Package budget evaluates metric values against user-defined thresholds.
package budget

import (
	"fmt"
	"math"
	"strings"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

const (
	// WarnPercent is the advisory band below the threshold.
	WarnPercent = 80.0
	// BreachPercent is where a budget is exceeded.
	BreachPercent = 100.0
)

var validUnits = map[string]struct{}{
	"ms": {}, "s": {}, "bytes": {}, "kb": {}, "mb": {},
	"count": {}, "percent": {}, "score": {}, "rps": {},
}

// Evaluate computes the status of b for value. It has no side effects.
func Evaluate(b models.Budget, value float64, ts int64) models.BudgetStatus {
	used := value / b.Threshold * 100
	status := models.BudgetPass
	switch {
	case used >= BreachPercent && b.AlertLevel == models.AlertLevelError:
		status = models.BudgetFail
	case used >= BreachPercent, used >= WarnPercent:
		status = models.BudgetWarning
	}
	return models.BudgetStatus{
		Budget:       b,
		CurrentValue: value,
		PercentUsed:  used,
		Status:       status,
		Timestamp:    ts,
	}
}

// Normalize lower-cases the unit and defaults the alert level to warning.
func Normalize(b models.Budget) models.Budget {
	b.Unit = strings.ToLower(strings.TrimSpace(b.Unit))
	b.Metric = strings.TrimSpace(b.Metric)
	if b.AlertLevel == "" {
		b.AlertLevel = models.AlertLevelWarning
	}
	return b
}

// Validate rejects budgets the engine cannot evaluate. b should be normalized.
func Validate(b models.Budget) error {
	invalid := func(format string, args ...any) error {
		return &utils.AppError{Op: "budget.validate", Msg: fmt.Sprintf(format, args...), Err: utils.ErrInvalidBudgetConfig}
	}
	if b.Metric == "" {
		return invalid("budget %q has no metric", b.ID)
	}
	if math.IsNaN(b.Threshold) || math.IsInf(b.Threshold, 0) || b.Threshold <= 0 {
		return invalid("budget %q threshold must be positive, got %v", b.ID, b.Threshold)
	}
	if _, ok := validUnits[b.Unit]; !ok {
		return invalid("budget %q has unknown unit %q", b.ID, b.Unit)
	}
	switch b.AlertLevel {
	case models.AlertLevelWarning, models.AlertLevelError:
	default:
		return invalid("budget %q has unknown alert level %q", b.ID, b.AlertLevel)
	}
	return nil
}
