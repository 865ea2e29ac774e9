package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeAccepted labels samples that entered a buffer.
	OutcomeAccepted = "accepted"
	// OutcomeRejected labels samples refused (out of order, unknown metric, malformed).
	OutcomeRejected = "rejected"
)

const namespace = "mirador_vitals"

var (
	samplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Total number of samples offered to the engine, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	ingestDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_seconds",
			Help:      "Time spent threading one sample through the engine, subscriber delivery included.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Samples flagged as anomalous, per metric.",
		},
		[]string{"metric"},
	)

	periodsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_periods_total",
			Help:      "Incident period transitions, per metric and kind (opened, closed).",
		},
		[]string{"metric", "kind"},
	)

	budgetEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_events_total",
			Help:      "Budget threshold crossings, per metric and kind (violated, recovered).",
		},
		[]string{"metric", "kind"},
	)

	subscriberFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_failures_total",
			Help:      "Subscriber handlers that returned an error or panicked.",
		},
	)

	trackedMetrics = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_metrics",
			Help:      "Number of registered metrics.",
		},
	)

	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of live subscriptions.",
		},
	)

	sinkWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Writes to downstream sinks (journal, cache), partitioned by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)
)

// Register attaches mirador-vitals collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		samplesTotal,
		ingestDurationSeconds,
		anomaliesTotal,
		periodsTotal,
		budgetEventsTotal,
		subscriberFailuresTotal,
		trackedMetrics,
		subscribers,
		sinkWritesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest records an ingest duration and outcome label.
func ObserveIngest(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeRejected {
		label = OutcomeAccepted
	}
	samplesTotal.WithLabelValues(label).Inc()
	if label == OutcomeRejected {
		return
	}
	if duration < 0 {
		duration = 0
	}
	ingestDurationSeconds.Observe(duration.Seconds())
}

// IncAnomaly counts a flagged sample.
func IncAnomaly(metric string) {
	anomaliesTotal.WithLabelValues(metric).Inc()
}

// IncPeriod counts an incident period transition.
func IncPeriod(metric, kind string) {
	periodsTotal.WithLabelValues(metric, kind).Inc()
}

// IncBudgetEvent counts a budget crossing.
func IncBudgetEvent(metric, kind string) {
	budgetEventsTotal.WithLabelValues(metric, kind).Inc()
}

// IncSubscriberFailure counts a failed handler invocation.
func IncSubscriberFailure() {
	subscriberFailuresTotal.Inc()
}

// SetTrackedMetrics publishes the registry size.
func SetTrackedMetrics(n int) {
	trackedMetrics.Set(float64(n))
}

// SetSubscribers publishes the live subscription count.
func SetSubscribers(n int) {
	subscribers.Set(float64(n))
}

// ObserveSinkWrite counts a journal or cache write.
func ObserveSinkWrite(sink string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	sinkWritesTotal.WithLabelValues(sink, outcome).Inc()
}
