package detector

import (
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-vitals/internal/stats"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

const (
	// DefaultThreshold is the |z| a sample must exceed to be flagged.
	DefaultThreshold = 2.5
	// DefaultWindowSize is the trailing window of the sliding strategy.
	DefaultWindowSize = 20
	// MinHistory is the number of prior observations the statistical strategy needs.
	MinHistory = 2
)

// Kind names a detection strategy in configuration.
type Kind string

const (
	KindStatistical   Kind = "statistical"
	KindSlidingWindow Kind = "sliding_window"
)

// ParseKind accepts the configured strategy name. "ml" is the legacy name for the
// sliding window and an empty name selects the statistical strategy.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "statistical", "zscore":
		return KindStatistical, nil
	case "sliding_window", "sliding-window", "window", "ml":
		return KindSlidingWindow, nil
	default:
		return "", fmt.Errorf("%w: unknown detector %q", utils.ErrInvalidArgument, raw)
	}
}

// Strategy is one of Statistical or SlidingWindow.
type Strategy interface {
	Kind() Kind
	Threshold() float64
	newState() *state
	// evaluate scores v against the history before it, then folds v in.
	// scored is false while history is insufficient.
	evaluate(st *state, v float64) (score float64, scored bool)
	forget(st *state, v float64) bool
}

type state struct {
	global stats.Rolling
	window *stats.Window
}

// Statistical scores against every retained sample of the metric.
type Statistical struct {
	Thresh float64
}

func (s Statistical) Kind() Kind { return KindStatistical }

func (s Statistical) Threshold() float64 { return s.Thresh }

func (s Statistical) newState() *state { return &state{} }

func (s Statistical) evaluate(st *state, v float64) (float64, bool) {
	defer st.global.Observe(v)
	if st.global.Count() < MinHistory {
		return 0, false
	}
	return st.global.ZScore(v), true
}

func (s Statistical) forget(st *state, v float64) bool { return st.global.Forget(v) }

// SlidingWindow scores against the last Size samples, independent of buffer
// retention. The first Size samples are never flagged.
type SlidingWindow struct {
	Size   int
	Thresh float64
}

func (s SlidingWindow) Kind() Kind { return KindSlidingWindow }

func (s SlidingWindow) Threshold() float64 { return s.Thresh }

func (s SlidingWindow) newState() *state { return &state{window: stats.NewWindow(s.Size)} }

func (s SlidingWindow) evaluate(st *state, v float64) (float64, bool) {
	defer st.window.Push(v)
	if !st.window.Full() {
		return 0, false
	}
	return st.window.ZScore(v), true
}

// The ring advances on its own; buffer evictions do not touch it.
func (s SlidingWindow) forget(*state, float64) bool { return true }

// Config is the YAML form of a strategy.
type Config struct {
	Kind       string  `yaml:"kind" json:"kind"`
	Threshold  float64 `yaml:"threshold" json:"threshold"`
	WindowSize int     `yaml:"windowSize" json:"windowSize"`
}

// Strategy builds the configured strategy, applying defaults for zero fields.
func (c Config) Strategy() (Strategy, error) {
	kind, err := ParseKind(c.Kind)
	if err != nil {
		return nil, err
	}
	threshold := c.Threshold
	if threshold < 0 {
		return nil, fmt.Errorf("%w: negative threshold %v", utils.ErrInvalidArgument, threshold)
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if kind == KindStatistical {
		return Statistical{Thresh: threshold}, nil
	}
	size := c.WindowSize
	if size < 0 {
		return nil, fmt.Errorf("%w: negative window size %d", utils.ErrInvalidArgument, size)
	}
	if size == 0 {
		size = DefaultWindowSize
	}
	return SlidingWindow{Size: size, Thresh: threshold}, nil
}

// ConfigOf renders a strategy back into its configuration form.
func ConfigOf(s Strategy) Config {
	cfg := Config{Kind: string(s.Kind()), Threshold: s.Threshold()}
	if sw, ok := s.(SlidingWindow); ok {
		cfg.WindowSize = sw.Size
	}
	return cfg
}
