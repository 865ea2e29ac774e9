package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-vitals/internal/buffer"
	"github.com/miradorstack/mirador-vitals/internal/detector"
	"github.com/miradorstack/mirador-vitals/internal/incidents"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/stats"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// MetricConfig is the per-metric configuration. Zero fields take engine defaults.
type MetricConfig struct {
	Retention            buffer.RetentionPolicy `yaml:"retention" json:"retention"`
	OutOfOrderTolerance  time.Duration          `yaml:"outOfOrderTolerance" json:"outOfOrderTolerance"`
	Detector             detector.Config        `yaml:"detector" json:"detector"`
	MaxGap               time.Duration          `yaml:"maxGap" json:"maxGap"`
	HistoryLimit         int                    `yaml:"historyLimit" json:"historyLimit"`
	ExactPercentileLimit int                    `yaml:"exactPercentileLimit" json:"exactPercentileLimit"`
}

// DefaultMetricConfig is used when the engine is built without defaults.
func DefaultMetricConfig() MetricConfig {
	return MetricConfig{
		Retention:            buffer.RetentionPolicy{MaxSamples: 1000},
		OutOfOrderTolerance:  buffer.DefaultOutOfOrderTolerance,
		Detector:             detector.Config{Kind: string(detector.KindStatistical), Threshold: detector.DefaultThreshold},
		MaxGap:               incidents.DefaultMaxGap,
		HistoryLimit:         incidents.DefaultHistoryLimit,
		ExactPercentileLimit: stats.DefaultExactLimit,
	}
}

// withDefaults fills zero fields of c from d.
func (c MetricConfig) withDefaults(d MetricConfig) MetricConfig {
	if c.Retention.MaxSamples == 0 && c.Retention.MaxAge == 0 {
		c.Retention = d.Retention
	}
	if c.OutOfOrderTolerance == 0 {
		c.OutOfOrderTolerance = d.OutOfOrderTolerance
	}
	if c.Detector.Kind == "" {
		c.Detector.Kind = d.Detector.Kind
	}
	if c.Detector.Threshold == 0 {
		c.Detector.Threshold = d.Detector.Threshold
	}
	if c.Detector.WindowSize == 0 {
		c.Detector.WindowSize = d.Detector.WindowSize
	}
	if c.MaxGap == 0 {
		c.MaxGap = d.MaxGap
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.ExactPercentileLimit == 0 {
		c.ExactPercentileLimit = d.ExactPercentileLimit
	}
	return c
}

// pipeline is the per-metric state: buffer, detector and period merger.
// mu guards them. Outcomes take a ticket under mu and are delivered in ticket
// order, with no lock held while handlers run.
type pipeline struct {
	name string
	cfg  MetricConfig

	mu       sync.RWMutex
	buf      *buffer.SampleBuffer
	detector *detector.Detector
	merger   *incidents.Merger
	issued   uint64

	turnMu  sync.Mutex
	turn    *sync.Cond
	serving uint64

	pctMu    sync.Mutex
	pctCache percentileCache
}

// percentileCache memoises answers for one buffer version.
type percentileCache struct {
	version uint64
	values  map[float64]float64
}

func newPipeline(name string, cfg MetricConfig) (*pipeline, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty metric name", utils.ErrInvalidArgument)
	}
	strategy, err := cfg.Detector.Strategy()
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", name, err)
	}
	buf, err := buffer.New(name, cfg.Retention, cfg.OutOfOrderTolerance)
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", name, err)
	}
	p := &pipeline{
		name:     name,
		cfg:      cfg,
		buf:      buf,
		detector: detector.New(strategy),
		merger:   incidents.NewMerger(name, cfg.MaxGap, cfg.HistoryLimit),
	}
	p.turn = sync.NewCond(&p.turnMu)
	return p, nil
}

// forget removes evicted samples from the detector, rebuilding its statistics
// from the buffer when an eviction cost precision. Callers hold mu for writing.
func (p *pipeline) forget(evicted []models.Sample) {
	exact := true
	for _, s := range evicted {
		if !p.detector.Forget(s) {
			exact = false
		}
	}
	if !exact {
		p.detector.Rebuild(p.buf.Values())
	}
}

// ticket reserves the next delivery slot. Callers hold mu for writing.
func (p *pipeline) ticket() uint64 {
	t := p.issued
	p.issued++
	return t
}

// await blocks until every earlier ticket has been delivered.
func (p *pipeline) await(t uint64) {
	p.turnMu.Lock()
	for p.serving != t {
		p.turn.Wait()
	}
	p.turnMu.Unlock()
}

// done hands the delivery slot to the next ticket.
func (p *pipeline) done() {
	p.turnMu.Lock()
	p.serving++
	p.turn.Broadcast()
	p.turnMu.Unlock()
}

// percentile answers from the cache when the buffer has not changed. Callers hold mu for reading.
func (p *pipeline) percentile(q float64) (float64, error) {
	version := p.buf.Version()

	p.pctMu.Lock()
	if p.pctCache.version == version && p.pctCache.values != nil {
		if v, ok := p.pctCache.values[q]; ok {
			p.pctMu.Unlock()
			return v, nil
		}
	}
	p.pctMu.Unlock()

	v, err := stats.Percentile(p.buf.Values(), q, p.cfg.ExactPercentileLimit)
	if err != nil {
		return 0, err
	}

	p.pctMu.Lock()
	if p.pctCache.version != version || p.pctCache.values == nil {
		p.pctCache = percentileCache{version: version, values: make(map[float64]float64, 4)}
	}
	p.pctCache.values[q] = v
	p.pctMu.Unlock()
	return v, nil
}
