package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-vitals/internal/cache"
	"github.com/miradorstack/mirador-vitals/internal/metrics"
	"github.com/miradorstack/mirador-vitals/internal/models"
)

const sinkCache = "cache"

// Snapshot is the cached view of one metric as of its last period or budget change.
type Snapshot struct {
	Metric       string                `json:"metric"`
	Latest       models.Sample         `json:"latest"`
	Flag         models.AnomalyFlag    `json:"flag"`
	LastPeriod   *models.PeriodChange  `json:"lastPeriod,omitempty"`
	Statuses     []models.BudgetStatus `json:"statuses,omitempty"`
	BudgetEvents []models.BudgetEvent  `json:"budgetEvents,omitempty"`
}

// Notifier receives budget events that this replica won the right to announce.
type Notifier func(ctx context.Context, event models.BudgetEvent)

// SnapshotStore mirrors engine outcomes into a cache provider so that other
// replicas and dashboards can read them, and deduplicates violation
// notifications across replicas with SetNX.
type SnapshotStore struct {
	cache     cache.SnapshotCache
	ttl       time.Duration
	dedupeTTL time.Duration
	logger    *slog.Logger
	notify    Notifier
}

// NewSnapshotStore builds a store over provider. A nil provider disables caching.
func NewSnapshotStore(provider cache.SnapshotCache, ttl, dedupeTTL time.Duration, logger *slog.Logger, notify Notifier) *SnapshotStore {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if dedupeTTL <= 0 {
		dedupeTTL = time.Hour
	}
	return &SnapshotStore{cache: provider, ttl: ttl, dedupeTTL: dedupeTTL, logger: logger, notify: notify}
}

// Get returns the cached snapshot of metric, or cache.ErrCacheMiss.
func (s *SnapshotStore) Get(ctx context.Context, metric string) (Snapshot, error) {
	raw, err := s.cache.Get(ctx, cache.SnapshotKey(metric))
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", metric, err)
	}
	return snap, nil
}

// Apply folds one outcome into the metric's snapshot and announces any budget
// events this replica claims.
func (s *SnapshotStore) Apply(ctx context.Context, o models.IngestOutcome) error {
	metric := o.Sample.Metric
	snap, err := s.Get(ctx, metric)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("snapshot read failed, rebuilding", slog.String("metric", metric), slog.Any("error", err))
		}
		snap = Snapshot{Metric: metric}
	}

	snap.Latest = o.Sample
	snap.Flag = o.Flag
	if n := len(o.PeriodChanges); n > 0 {
		change := o.PeriodChanges[n-1]
		snap.LastPeriod = &change
	}
	if len(o.Statuses) > 0 {
		snap.Statuses = o.Statuses
	}
	if len(o.BudgetEvents) > 0 {
		snap.BudgetEvents = o.BudgetEvents
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", metric, err)
	}
	err = s.cache.Set(ctx, cache.SnapshotKey(metric), payload, s.ttl)
	metrics.ObserveSinkWrite(sinkCache, err)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", metric, err)
	}

	for _, ev := range o.BudgetEvents {
		claimed, err := s.Claim(ctx, ev)
		if err != nil {
			s.logger.Warn("notification dedupe failed", slog.String("metric", metric), slog.String("budget", ev.BudgetID), slog.Any("error", err))
			continue
		}
		if claimed && s.notify != nil {
			s.notify(ctx, ev)
		}
	}
	return nil
}

// Claim reports whether this replica is the first to see ev within the dedupe TTL.
func (s *SnapshotStore) Claim(ctx context.Context, ev models.BudgetEvent) (bool, error) {
	return s.cache.SetNX(ctx, cache.NotifyKey(ev), []byte(ev.Kind), s.dedupeTTL)
}

// Run applies outcomes until ctx is cancelled or the channel closes. Outcomes
// queued when ctx is cancelled are applied before Run returns.
func (s *SnapshotStore) Run(ctx context.Context, outcomes <-chan models.IngestOutcome) {
	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx), outcomes)
			return
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			s.apply(ctx, o)
		}
	}
}

func (s *SnapshotStore) drain(ctx context.Context, outcomes <-chan models.IngestOutcome) {
	for {
		select {
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			s.apply(ctx, o)
		default:
			return
		}
	}
}

func (s *SnapshotStore) apply(ctx context.Context, o models.IngestOutcome) {
	if err := s.Apply(ctx, o); err != nil {
		s.logger.Warn("snapshot update failed", slog.String("metric", o.Sample.Metric), slog.Any("error", err))
	}
}
