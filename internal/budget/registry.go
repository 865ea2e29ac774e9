package budget

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

type entry struct {
	budget   models.Budget
	breached bool
	last     *models.BudgetStatus
}

// budgetSet is the budgets of one metric. Its lock is independent of every
// other metric's so that checks on different metrics never contend.
type budgetSet struct {
	mu      sync.Mutex
	entries []*entry
}

// Registry holds the budgets per metric and the armed state used to emit
// violation events only on crossings. Safe for concurrent use. mu guards only
// the metric map; each set guards its own entries.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]*budgetSet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sets: make(map[string]*budgetSet)}
}

// set returns the budgets of metric, creating the slot when create is true.
// Slots are never removed, so a set stays valid after the map lock is released.
func (r *Registry) set(metric string, create bool) *budgetSet {
	r.mu.RLock()
	s := r.sets[metric]
	r.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.sets[metric]; s == nil {
		s = &budgetSet{}
		r.sets[metric] = s
	}
	return s
}

func prepare(b models.Budget) (models.Budget, error) {
	b = Normalize(b)
	if err := Validate(b); err != nil {
		return models.Budget{}, err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return b, nil
}

// Register adds b, replacing a budget with the same ID on the same metric.
// The stored budget (with a generated ID when none was given) is returned.
func (r *Registry) Register(b models.Budget) (models.Budget, error) {
	b, err := prepare(b)
	if err != nil {
		return models.Budget{}, err
	}

	set := r.set(b.Metric, true)
	set.mu.Lock()
	defer set.mu.Unlock()
	for i, e := range set.entries {
		if e.budget.ID == b.ID {
			set.entries[i] = &entry{budget: b}
			return b, nil
		}
	}
	set.entries = append(set.entries, &entry{budget: b})
	return b, nil
}

// Replace swaps every budget of metric. Nothing changes if any budget is
// invalid. Budgets keeping their ID and threshold keep their armed state.
func (r *Registry) Replace(metric string, budgets []models.Budget) ([]models.Budget, error) {
	prepared := make([]models.Budget, 0, len(budgets))
	for _, b := range budgets {
		if b.Metric == "" {
			b.Metric = metric
		}
		p, err := prepare(b)
		if err != nil {
			return nil, err
		}
		if p.Metric != metric {
			return nil, &utils.AppError{
				Op:  "budget.replace",
				Msg: fmt.Sprintf("budget %q targets %q, not %q", p.ID, p.Metric, metric),
				Err: utils.ErrInvalidBudgetConfig,
			}
		}
		prepared = append(prepared, p)
	}

	set := r.set(metric, len(prepared) > 0)
	if set == nil {
		return prepared, nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	previous := make(map[string]*entry, len(set.entries))
	for _, e := range set.entries {
		previous[e.budget.ID] = e
	}
	entries := make([]*entry, 0, len(prepared))
	for _, b := range prepared {
		next := &entry{budget: b}
		if old, ok := previous[b.ID]; ok && old.budget.Threshold == b.Threshold {
			next.breached, next.last = old.breached, old.last
		}
		entries = append(entries, next)
	}
	set.entries = entries
	return prepared, nil
}

// Remove deletes one budget and reports whether it existed.
func (r *Registry) Remove(metric, id string) bool {
	set := r.set(metric, false)
	if set == nil {
		return false
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	for i, e := range set.entries {
		if e.budget.ID == id {
			set.entries = append(set.entries[:i:i], set.entries[i+1:]...)
			return true
		}
	}
	return false
}

// For lists the enabled budgets of metric in registration order.
func (r *Registry) For(metric string) []models.Budget {
	set := r.set(metric, false)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	var out []models.Budget
	for _, e := range set.entries {
		if e.budget.Enabled {
			out = append(out, e.budget)
		}
	}
	return out
}

// Evaluate computes the status of every enabled budget of metric for value
// without touching the armed state.
func (r *Registry) Evaluate(metric string, value float64, ts int64) []models.BudgetStatus {
	set := r.set(metric, false)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	var out []models.BudgetStatus
	for _, e := range set.entries {
		if e.budget.Enabled {
			out = append(out, Evaluate(e.budget, value, ts))
		}
	}
	return out
}

// Check evaluates value and returns the statuses plus an event for every budget
// whose threshold was crossed in either direction since the previous check.
func (r *Registry) Check(metric string, value float64, ts int64) ([]models.BudgetStatus, []models.BudgetEvent) {
	set := r.set(metric, false)
	if set == nil {
		return nil, nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()

	var (
		statuses []models.BudgetStatus
		events   []models.BudgetEvent
	)
	for _, e := range set.entries {
		if !e.budget.Enabled {
			continue
		}
		status := Evaluate(e.budget, value, ts)
		statuses = append(statuses, status)
		e.last = &status

		breached := status.PercentUsed >= BreachPercent
		if breached == e.breached {
			continue
		}
		e.breached = breached
		kind := models.BudgetViolated
		if !breached {
			kind = models.BudgetRecovered
		}
		events = append(events, models.BudgetEvent{
			Kind:       kind,
			Metric:     metric,
			BudgetID:   e.budget.ID,
			Value:      value,
			Threshold:  e.budget.Threshold,
			Status:     status.Status,
			AlertLevel: e.budget.AlertLevel,
			Timestamp:  ts,
		})
	}
	return statuses, events
}

// Statuses returns the last checked status of each enabled budget of metric.
// Budgets never checked are omitted.
func (r *Registry) Statuses(metric string) []models.BudgetStatus {
	set := r.set(metric, false)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	var out []models.BudgetStatus
	for _, e := range set.entries {
		if e.budget.Enabled && e.last != nil {
			out = append(out, *e.last)
		}
	}
	return out
}

// Metrics lists metrics that have at least one budget.
func (r *Registry) Metrics() []string {
	r.mu.RLock()
	sets := make(map[string]*budgetSet, len(r.sets))
	for m, set := range r.sets {
		sets[m] = set
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(sets))
	for m, set := range sets {
		set.mu.Lock()
		if len(set.entries) > 0 {
			out = append(out, m)
		}
		set.mu.Unlock()
	}
	return out
}
