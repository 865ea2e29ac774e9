package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-vitals/internal/metrics"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// AllMetrics subscribes to every metric.
const AllMetrics = "*"

// DefaultBacklog is the queue size used by Buffered when none is given.
const DefaultBacklog = 100

// ErrSubscriberLagging is returned by a Buffered handler whose queue is full.
var ErrSubscriberLagging = errors.New("subscriber lagging")

// Handler receives ingest outcomes on the ingesting goroutine, in ingest order
// per metric. It may query the engine but must not synchronously ingest into the
// metric it is handling. Returned errors and panics are logged and counted.
type Handler func(models.IngestOutcome) error

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	metric  string
	kinds   map[models.OutcomeKind]struct{}
	handler Handler
}

func (s *subscription) wants(o models.IngestOutcome) bool {
	if len(s.kinds) == 0 {
		return true
	}
	for _, k := range o.Kinds() {
		if _, ok := s.kinds[k]; ok {
			return true
		}
	}
	return false
}

type subscriptions struct {
	mu       sync.RWMutex
	byID     map[SubscriptionID]*subscription
	byMetric map[string][]*subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byID:     make(map[SubscriptionID]*subscription),
		byMetric: make(map[string][]*subscription),
	}
}

func (s *subscriptions) add(sub *subscription) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sub.id] = sub
	s.byMetric[sub.metric] = append(s.byMetric[sub.metric], sub)
	return len(s.byID)
}

func (s *subscriptions) remove(id SubscriptionID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byID[id]
	if !ok {
		return len(s.byID), false
	}
	delete(s.byID, id)
	list := s.byMetric[sub.metric]
	for i, candidate := range list {
		if candidate.id == id {
			s.byMetric[sub.metric] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.byMetric[sub.metric]) == 0 {
		delete(s.byMetric, sub.metric)
	}
	return len(s.byID), true
}

func (s *subscriptions) count(metric string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMetric[metric])
}

// snapshot returns the subscribers of metric followed by wildcard ones, in
// subscription order.
func (s *subscriptions) snapshot(metric string) []*subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	direct, wildcard := s.byMetric[metric], s.byMetric[AllMetrics]
	if len(direct)+len(wildcard) == 0 {
		return nil
	}
	out := make([]*subscription, 0, len(direct)+len(wildcard))
	out = append(out, direct...)
	return append(out, wildcard...)
}

func (s *subscriptions) deliver(e *Engine, o models.IngestOutcome) {
	for _, sub := range s.snapshot(o.Sample.Metric) {
		if !sub.wants(o) {
			continue
		}
		if err := invoke(sub.handler, o); err != nil {
			e.counters.subscriberFailures.Add(1)
			metrics.IncSubscriberFailure()
			e.logger.Warn("subscriber failed",
				slog.String("subscription", string(sub.id)),
				slog.String("metric", o.Sample.Metric),
				slog.Any("error", err),
			)
		}
	}
}

func invoke(h Handler, o models.IngestOutcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(o)
}

// Subscribe registers h for outcomes of metric (or AllMetrics). With kinds
// given, only outcomes carrying one of them are delivered.
func (e *Engine) Subscribe(metric string, h Handler, kinds ...models.OutcomeKind) (SubscriptionID, error) {
	if h == nil {
		return "", fmt.Errorf("%w: nil handler", utils.ErrInvalidArgument)
	}
	if metric != AllMetrics {
		if _, err := e.lookup(metric); err != nil && !e.autoRegister {
			return "", err
		}
	}

	sub := &subscription{
		id:      SubscriptionID(uuid.NewString()),
		metric:  metric,
		handler: h,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[models.OutcomeKind]struct{}, len(kinds))
		for _, k := range kinds {
			if _, ok := models.ParseOutcomeKind(string(k)); !ok {
				return "", fmt.Errorf("%w: unknown outcome kind %q", utils.ErrInvalidArgument, k)
			}
			sub.kinds[k] = struct{}{}
		}
	}

	metrics.SetSubscribers(e.subs.add(sub))
	e.logger.Debug("subscribed", slog.String("subscription", string(sub.id)), slog.String("metric", metric))
	return sub.id, nil
}

// Unsubscribe removes a subscription and reports whether it existed. An outcome
// already being delivered may still reach the handler once.
func (e *Engine) Unsubscribe(id SubscriptionID) bool {
	n, ok := e.subs.remove(id)
	if ok {
		metrics.SetSubscribers(n)
	}
	return ok
}

// SubscriberCount returns the subscriptions registered for metric (AllMetrics
// counts wildcard ones).
func (e *Engine) SubscriberCount(metric string) int {
	return e.subs.count(metric)
}

// Buffered adapts a consumer goroutine to the synchronous Handler contract.
// Outcomes are queued without blocking; a full queue drops the outcome and
// reports ErrSubscriberLagging.
func Buffered(backlog int) (Handler, <-chan models.IngestOutcome) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	ch := make(chan models.IngestOutcome, backlog)
	return func(o models.IngestOutcome) error {
		select {
		case ch <- o:
			return nil
		default:
			return ErrSubscriberLagging
		}
	}, ch
}
