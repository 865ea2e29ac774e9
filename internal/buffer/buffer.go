// Package buffer holds the bounded, time-ordered sample store kept per metric.
package buffer

import (
	"fmt"
	"iter"
	"math"
	"sort"
	"time"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// DefaultOutOfOrderTolerance bounds how far behind the newest sample a late sample may land.
const DefaultOutOfOrderTolerance = 5 * time.Second

// RetentionPolicy bounds a buffer by count, by age, or both.
type RetentionPolicy struct {
	MaxSamples int           `yaml:"maxSamples" json:"maxSamples"`
	MaxAge     time.Duration `yaml:"maxAge" json:"maxAge"`
}

// Validate requires at least one bound.
func (p RetentionPolicy) Validate() error {
	if p.MaxSamples < 0 || p.MaxAge < 0 {
		return fmt.Errorf("%w: negative retention bound", utils.ErrInvalidArgument)
	}
	if p.MaxSamples == 0 && p.MaxAge == 0 {
		return fmt.Errorf("%w: retention needs maxSamples or maxAge", utils.ErrInvalidArgument)
	}
	return nil
}

// SampleBuffer owns the ordered samples of exactly one metric. It is not safe for
// concurrent use; the engine serialises access per metric.
type SampleBuffer struct {
	metric    string
	policy    RetentionPolicy
	tolerance int64
	samples   []models.Sample
	version   uint64
}

// New creates a buffer for metric. A zero tolerance selects DefaultOutOfOrderTolerance;
// a negative one rejects any sample older than the newest.
func New(metric string, policy RetentionPolicy, tolerance time.Duration) (*SampleBuffer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if tolerance == 0 {
		tolerance = DefaultOutOfOrderTolerance
	}
	if tolerance < 0 {
		tolerance = 0
	}
	capHint := policy.MaxSamples
	if capHint == 0 || capHint > 4096 {
		capHint = 64
	}
	return &SampleBuffer{
		metric:    metric,
		policy:    policy,
		tolerance: tolerance.Milliseconds(),
		samples:   make([]models.Sample, 0, capHint),
	}, nil
}

// Metric returns the metric name the buffer belongs to.
func (b *SampleBuffer) Metric() string { return b.metric }

// Policy returns the retention policy.
func (b *SampleBuffer) Policy() RetentionPolicy { return b.policy }

// Push inserts s in timestamp order and evicts whatever falls outside retention.
// The evicted samples are returned oldest first; they may include s itself when it
// lands behind the retention bound.
func (b *SampleBuffer) Push(s models.Sample) ([]models.Sample, error) {
	if s.Metric != "" && s.Metric != b.metric {
		return nil, fmt.Errorf("%w: sample for %q pushed into %q buffer", utils.ErrInvalidArgument, s.Metric, b.metric)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return nil, fmt.Errorf("%w: non-finite value", utils.ErrInvalidArgument)
	}
	s.Metric = b.metric

	n := len(b.samples)
	switch {
	case n == 0 || s.Timestamp >= b.samples[n-1].Timestamp:
		b.samples = append(b.samples, s)
	default:
		newest := b.samples[n-1].Timestamp
		if s.Timestamp < newest-b.tolerance {
			return nil, &utils.AppError{
				Op:  "buffer.push",
				Msg: fmt.Sprintf("%s sample at %d is %dms behind newest %d", b.metric, s.Timestamp, newest-s.Timestamp, newest),
				Err: utils.ErrOutOfOrderSample,
			}
		}
		// Insert after any samples sharing the timestamp.
		idx := sort.Search(n, func(i int) bool { return b.samples[i].Timestamp > s.Timestamp })
		b.samples = append(b.samples, models.Sample{})
		copy(b.samples[idx+1:], b.samples[idx:])
		b.samples[idx] = s
	}
	b.version++

	return b.evict(), nil
}

func (b *SampleBuffer) evict() []models.Sample {
	drop := 0
	if b.policy.MaxSamples > 0 && len(b.samples) > b.policy.MaxSamples {
		drop = len(b.samples) - b.policy.MaxSamples
	}
	if b.policy.MaxAge > 0 && len(b.samples) > 0 {
		cutoff := b.samples[len(b.samples)-1].Timestamp - b.policy.MaxAge.Milliseconds()
		for drop < len(b.samples) && b.samples[drop].Timestamp < cutoff {
			drop++
		}
	}
	return b.dropFront(drop)
}

func (b *SampleBuffer) dropFront(k int) []models.Sample {
	if k <= 0 {
		return nil
	}
	evicted := append([]models.Sample(nil), b.samples[:k]...)
	b.samples = b.samples[k:]
	if cap(b.samples) > 4*len(b.samples)+64 {
		b.samples = append(make([]models.Sample, 0, 2*len(b.samples)+1), b.samples...)
	}
	b.version++
	return evicted
}

// EvictBefore removes samples older than cutoff regardless of retention policy.
func (b *SampleBuffer) EvictBefore(cutoff int64) []models.Sample {
	k := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Timestamp >= cutoff })
	return b.dropFront(k)
}

// Window yields the samples with timestamp >= now-d, oldest first. The sequence
// can be ranged over repeatedly and never consumes the buffer; it reads the buffer
// live, so callers must not mutate the buffer while iterating.
func (b *SampleBuffer) Window(now int64, d time.Duration) iter.Seq[models.Sample] {
	from := now - d.Milliseconds()
	return func(yield func(models.Sample) bool) {
		start := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Timestamp >= from })
		for i := start; i < len(b.samples); i++ {
			if !yield(b.samples[i]) {
				return
			}
		}
	}
}

// Latest returns the newest sample; ok is false when the buffer is empty.
func (b *SampleBuffer) Latest() (models.Sample, bool) {
	if len(b.samples) == 0 {
		return models.Sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// Len returns the number of retained samples.
func (b *SampleBuffer) Len() int { return len(b.samples) }

// Samples returns a copy of the retained samples.
func (b *SampleBuffer) Samples() []models.Sample {
	return append([]models.Sample(nil), b.samples...)
}

// Values returns a copy of the retained values in timestamp order.
func (b *SampleBuffer) Values() []float64 {
	out := make([]float64, len(b.samples))
	for i, s := range b.samples {
		out[i] = s.Value
	}
	return out
}

// Version changes on every mutation.
func (b *SampleBuffer) Version() uint64 { return b.version }
