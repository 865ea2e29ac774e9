// Package engine is the composition root: it owns one pipeline per metric and
// threads every sample through buffer, detector, merger and budgets before
// notifying subscribers.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-vitals/internal/budget"
	"github.com/miradorstack/mirador-vitals/internal/metrics"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// Options configures an Engine.
type Options struct {
	Logger   *slog.Logger
	Clock    clock.Clock
	Budgets  *budget.Registry
	Defaults MetricConfig
	// AutoRegister creates a pipeline with Defaults on the first sample of an unknown metric.
	AutoRegister bool
	// LatencyWindow bounds the ingest latencies kept for IngestLatency.
	LatencyWindow int
}

// Counters are cumulative engine totals.
type Counters struct {
	Ingested           uint64 `json:"ingested"`
	Rejected           uint64 `json:"rejected"`
	Anomalies          uint64 `json:"anomalies"`
	PeriodsOpened      uint64 `json:"periodsOpened"`
	PeriodsClosed      uint64 `json:"periodsClosed"`
	BudgetViolations   uint64 `json:"budgetViolations"`
	BudgetRecoveries   uint64 `json:"budgetRecoveries"`
	SubscriberFailures uint64 `json:"subscriberFailures"`
}

type counters struct {
	ingested           atomic.Uint64
	rejected           atomic.Uint64
	anomalies          atomic.Uint64
	periodsOpened      atomic.Uint64
	periodsClosed      atomic.Uint64
	budgetViolations   atomic.Uint64
	budgetRecoveries   atomic.Uint64
	subscriberFailures atomic.Uint64
}

// Engine is the process-wide metrics registry. It is safe for concurrent use.
type Engine struct {
	logger       *slog.Logger
	clock        clock.Clock
	budgets      *budget.Registry
	defaults     MetricConfig
	autoRegister bool

	mu        sync.RWMutex
	pipelines map[string]*pipeline

	subs     *subscriptions
	counters counters
	latency  *utils.LatencyTracker
}

// New constructs an engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	budgets := opts.Budgets
	if budgets == nil {
		budgets = budget.NewRegistry()
	}
	return &Engine{
		logger:       logger,
		clock:        clk,
		budgets:      budgets,
		defaults:     opts.Defaults.withDefaults(DefaultMetricConfig()),
		autoRegister: opts.AutoRegister,
		pipelines:    make(map[string]*pipeline),
		subs:         newSubscriptions(),
		latency:      utils.NewLatencyTracker(opts.LatencyWindow),
	}
}

// Budgets exposes the budget registry shared with the engine.
func (e *Engine) Budgets() *budget.Registry { return e.budgets }

// Clock returns the engine clock.
func (e *Engine) Clock() clock.Clock { return e.clock }

// RegisterMetric creates the pipeline for name. Zero config fields take the engine defaults.
func (e *Engine) RegisterMetric(name string, cfg MetricConfig) error {
	p, err := newPipeline(name, cfg.withDefaults(e.defaults))
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.pipelines[p.name]; exists {
		e.mu.Unlock()
		return utils.NewAppError("engine.register", p.name, utils.ErrMetricExists)
	}
	e.pipelines[p.name] = p
	n := len(e.pipelines)
	e.mu.Unlock()

	metrics.SetTrackedMetrics(n)
	e.logger.Info("metric registered",
		slog.String("metric", p.name),
		slog.String("detector", p.cfg.Detector.Kind),
		slog.Int("max_samples", p.cfg.Retention.MaxSamples),
		slog.Duration("max_age", p.cfg.Retention.MaxAge),
	)
	return nil
}

// UnregisterMetric drops the pipeline of name, closing its open period.
// The closed period, if any, is returned.
func (e *Engine) UnregisterMetric(name string) (*models.PeriodChange, error) {
	e.mu.Lock()
	p, ok := e.pipelines[name]
	if ok {
		delete(e.pipelines, name)
	}
	n := len(e.pipelines)
	e.mu.Unlock()
	if !ok {
		return nil, utils.NewAppError("engine.unregister", name, utils.ErrUnknownMetric)
	}
	metrics.SetTrackedMetrics(n)

	p.mu.Lock()
	closed := p.merger.Flush()
	p.mu.Unlock()
	e.countPeriod(name, closed)
	return closed, nil
}

// Metrics lists registered metric names in order.
func (e *Engine) Metrics() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.pipelines))
	for name := range e.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MetricConfigOf returns the effective configuration of a registered metric.
func (e *Engine) MetricConfigOf(name string) (MetricConfig, error) {
	p, err := e.lookup(name)
	if err != nil {
		return MetricConfig{}, err
	}
	return p.cfg, nil
}

func (e *Engine) lookup(name string) (*pipeline, error) {
	e.mu.RLock()
	p, ok := e.pipelines[name]
	e.mu.RUnlock()
	if !ok {
		return nil, utils.NewAppError("engine.lookup", name, utils.ErrUnknownMetric)
	}
	return p, nil
}

func (e *Engine) pipelineFor(name string) (*pipeline, error) {
	p, err := e.lookup(name)
	if err == nil || !e.autoRegister {
		return p, err
	}
	if err := e.RegisterMetric(name, MetricConfig{}); err != nil && !errors.Is(err, utils.ErrMetricExists) {
		return nil, err
	}
	return e.lookup(name)
}

// IngestValue is Ingest for a bare (metric, timestamp, value) triple.
func (e *Engine) IngestValue(metric string, ts int64, value float64) (models.IngestOutcome, error) {
	return e.Ingest(models.Sample{Metric: metric, Timestamp: ts, Value: value})
}

// Ingest threads s through buffer, detector, merger and budgets, then delivers
// the outcome to subscribers of the metric in ingest order. Rejected samples
// leave every structure untouched.
func (e *Engine) Ingest(s models.Sample) (models.IngestOutcome, error) {
	start := time.Now()

	p, err := e.pipelineFor(s.Metric)
	if err != nil {
		e.reject(s, err)
		return models.IngestOutcome{}, err
	}

	p.mu.Lock()
	evicted, err := p.buf.Push(s)
	if err != nil {
		p.mu.Unlock()
		e.reject(s, err)
		return models.IngestOutcome{}, err
	}
	s.Metric = p.name

	flag := p.detector.Evaluate(s)
	p.forget(evicted)
	changes := p.merger.Observe(flag)
	statuses, events := e.budgets.Check(p.name, s.Value, s.Timestamp)

	outcome := models.IngestOutcome{
		Sample:        s,
		Flag:          flag,
		PeriodChanges: changes,
		Statuses:      statuses,
		BudgetEvents:  events,
	}

	ticket := p.ticket()
	p.mu.Unlock()

	p.await(ticket)
	e.record(outcome)
	e.subs.deliver(e, outcome)
	p.done()

	elapsed := time.Since(start)
	e.latency.Observe(elapsed)
	metrics.ObserveIngest(elapsed, metrics.OutcomeAccepted)
	return outcome, nil
}

func (e *Engine) reject(s models.Sample, err error) {
	e.counters.rejected.Add(1)
	metrics.ObserveIngest(0, metrics.OutcomeRejected)
	e.logger.Debug("sample rejected",
		slog.String("metric", s.Metric),
		slog.Int64("timestamp", s.Timestamp),
		slog.Any("error", err),
	)
}

func (e *Engine) record(o models.IngestOutcome) {
	metric := o.Sample.Metric
	e.counters.ingested.Add(1)
	if o.Flag.IsAnomaly {
		e.counters.anomalies.Add(1)
		metrics.IncAnomaly(metric)
	}
	for i := range o.PeriodChanges {
		e.countPeriod(metric, &o.PeriodChanges[i])
	}
	for _, ev := range o.BudgetEvents {
		switch ev.Kind {
		case models.BudgetViolated:
			e.counters.budgetViolations.Add(1)
			e.logger.Warn("budget violated",
				slog.String("metric", metric),
				slog.String("budget", ev.BudgetID),
				slog.Float64("value", ev.Value),
				slog.Float64("threshold", ev.Threshold),
				slog.String("level", string(ev.AlertLevel)),
			)
		case models.BudgetRecovered:
			e.counters.budgetRecoveries.Add(1)
			e.logger.Info("budget recovered",
				slog.String("metric", metric),
				slog.String("budget", ev.BudgetID),
				slog.Float64("value", ev.Value),
			)
		}
		metrics.IncBudgetEvent(metric, string(ev.Kind))
	}
}

func (e *Engine) countPeriod(metric string, change *models.PeriodChange) {
	if change == nil {
		return
	}
	switch change.Kind {
	case models.PeriodOpened:
		e.counters.periodsOpened.Add(1)
	case models.PeriodClosed:
		e.counters.periodsClosed.Add(1)
		e.logger.Info("incident period closed",
			slog.String("metric", metric),
			slog.String("period", change.Period.ID),
			slog.String("severity", string(change.Period.Severity)),
			slog.Float64("peak_score", change.Period.PeakScore),
			slog.Int("points", change.Period.Points),
		)
	default:
		return
	}
	metrics.IncPeriod(metric, string(change.Kind))
}

// Flush closes the open incident period of metric.
func (e *Engine) Flush(metric string) (*models.PeriodChange, error) {
	p, err := e.lookup(metric)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	closed := p.merger.Flush()
	p.mu.Unlock()
	e.countPeriod(metric, closed)
	return closed, nil
}

// FlushAll closes every open incident period, as at end of stream.
func (e *Engine) FlushAll() []models.PeriodChange {
	var closed []models.PeriodChange
	for _, name := range e.Metrics() {
		if change, err := e.Flush(name); err == nil && change != nil {
			closed = append(closed, *change)
		}
	}
	return closed
}

// Sweep evicts, by wall clock, samples older than each age-bounded metric's
// MaxAge. It returns how many samples were dropped.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.RLock()
	pipelines := make([]*pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		pipelines = append(pipelines, p)
	}
	e.mu.RUnlock()

	dropped := 0
	for _, p := range pipelines {
		if p.cfg.Retention.MaxAge <= 0 {
			continue
		}
		cutoff := utils.ToMillis(now) - p.cfg.Retention.MaxAge.Milliseconds()
		p.mu.Lock()
		evicted := p.buf.EvictBefore(cutoff)
		p.forget(evicted)
		p.mu.Unlock()
		dropped += len(evicted)
	}
	if dropped > 0 {
		e.logger.Debug("sweep evicted samples", slog.Int("count", dropped))
	}
	return dropped
}

// SetBudgets replaces every budget of metric atomically.
func (e *Engine) SetBudgets(metric string, budgets []models.Budget) ([]models.Budget, error) {
	stored, err := e.budgets.Replace(metric, budgets)
	if err != nil {
		return nil, fmt.Errorf("set budgets for %s: %w", metric, err)
	}
	e.logger.Info("budgets replaced", slog.String("metric", metric), slog.Int("count", len(stored)))
	return stored, nil
}

// Stats returns cumulative counters.
func (e *Engine) Stats() Counters {
	return Counters{
		Ingested:           e.counters.ingested.Load(),
		Rejected:           e.counters.rejected.Load(),
		Anomalies:          e.counters.anomalies.Load(),
		PeriodsOpened:      e.counters.periodsOpened.Load(),
		PeriodsClosed:      e.counters.periodsClosed.Load(),
		BudgetViolations:   e.counters.budgetViolations.Load(),
		BudgetRecoveries:   e.counters.budgetRecoveries.Load(),
		SubscriberFailures: e.counters.subscriberFailures.Load(),
	}
}

// IngestLatency returns the p-quantile (0..1) of recent ingest durations.
func (e *Engine) IngestLatency(p float64) time.Duration {
	return e.latency.Percentile(p)
}
