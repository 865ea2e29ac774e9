package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/beorn7/perks/quantile"

	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// DefaultExactLimit is the largest input answered by a full sort.
const DefaultExactLimit = 10_000

// ApproxRankError is the rank error requested from the streaming sketch above the exact limit.
const ApproxRankError = 0.001

// Percentile returns the p-quantile (p in [0,1]) of values. Inputs up to exactLimit
// are sorted and indexed at floor(p*(n-1)); larger inputs go through a CKMS
// targeted-quantile stream whose answer lies within ApproxRankError*n ranks of the
// exact one. values is not modified.
func Percentile(values []float64, p float64, exactLimit int) (float64, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: percentile %v outside [0,1]", utils.ErrInvalidArgument, p)
	}
	if len(values) == 0 {
		return 0, utils.ErrNoData
	}
	if exactLimit <= 0 {
		exactLimit = DefaultExactLimit
	}
	if len(values) <= exactLimit {
		return exactPercentile(values, p), nil
	}
	return approxPercentile(values, p), nil
}

func exactPercentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[int(p*float64(len(sorted)-1))]
}

func approxPercentile(values []float64, p float64) float64 {
	switch p {
	case 0:
		return minOf(values)
	case 1:
		return maxOf(values)
	}
	stream := quantile.NewTargeted(map[float64]float64{p: ApproxRankError})
	for _, v := range values {
		stream.Insert(v)
	}
	return stream.Query(p)
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
