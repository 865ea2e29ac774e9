// Package stats implements the incremental statistics the detectors score against.
package stats

import "math"

// Epsilon floors the standard deviation used by ZScore.
const Epsilon = 1e-9

// State is a point-in-time copy of a Rolling estimator.
type State struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Variance returns the population variance, NaN when empty.
func (s State) Variance() float64 {
	if s.Count == 0 {
		return math.NaN()
	}
	return s.M2 / float64(s.Count)
}

// StdDev returns the population standard deviation, NaN when empty.
func (s State) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// Rolling tracks count, mean and sum of squared deltas with Welford's update.
// The zero value is ready to use. It is not safe for concurrent use.
type Rolling struct {
	count int
	mean  float64
	m2    float64
}

// Observe folds v into the estimate.
func (r *Rolling) Observe(v float64) {
	r.count++
	delta := v - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (v - r.mean)
}

// Forget removes a previously observed v. It is the inverse of Observe.
//
// It returns false when removing v cancelled most of the precision in the
// squared-delta sum, which happens when v sat far outside the remaining values.
// The state is then only approximate and the caller should Rebuild it from the
// values it still holds.
func (r *Rolling) Forget(v float64) bool {
	switch r.count {
	case 0:
		return true
	case 1:
		r.Reset()
		return true
	}
	n := float64(r.count)
	prevMean := (n*r.mean - v) / (n - 1)
	term := (v - prevMean) * (v - r.mean)
	r.m2 -= term
	exact := r.m2 >= 0 && term <= driftRatio*r.m2
	if r.m2 < 0 {
		r.m2 = 0
	}
	r.mean = prevMean
	r.count--
	return exact
}

// driftRatio bounds how much larger a removed squared delta may be than what
// remains before Forget reports lost precision.
const driftRatio = 1e6

// Rebuild replaces the state with the statistics of values.
func (r *Rolling) Rebuild(values []float64) {
	r.Reset()
	for _, v := range values {
		r.Observe(v)
	}
}

// Reset returns the estimator to the empty state.
func (r *Rolling) Reset() {
	*r = Rolling{}
}

// Count returns the number of observations currently held.
func (r *Rolling) Count() int { return r.count }

// Mean returns the running mean, zero when empty.
func (r *Rolling) Mean() float64 { return r.mean }

// Variance returns the population variance, NaN when empty.
func (r *Rolling) Variance() float64 { return r.Snapshot().Variance() }

// StdDev returns the population standard deviation, NaN when empty.
func (r *Rolling) StdDev() float64 { return r.Snapshot().StdDev() }

// ZScore returns (v-mean)/max(stdDev, Epsilon). A degenerate window scores 0 for
// v equal to the mean. Empty estimators score 0.
func (r *Rolling) ZScore(v float64) float64 {
	if r.count == 0 {
		return 0
	}
	diff := v - r.mean
	std := r.StdDev()
	if std < Epsilon {
		if diff == 0 {
			return 0
		}
		return diff / Epsilon
	}
	return diff / std
}

// Snapshot copies the current state.
func (r *Rolling) Snapshot() State {
	return State{Count: r.count, Mean: r.mean, M2: r.m2}
}
