package stats

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-vitals/internal/utils"
)

func TestPercentileExactRule(t *testing.T) {
	values := []float64{50, 10, 40, 20, 30}

	cases := map[float64]float64{0: 10, 0.25: 20, 0.5: 30, 0.95: 40, 1: 50}
	for p, want := range cases {
		got, err := Percentile(values, p, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got, "p=%v", p)
	}
	assert.Equal(t, []float64{50, 10, 40, 20, 30}, values, "input must not be reordered")
}

func TestPercentileErrors(t *testing.T) {
	_, err := Percentile(nil, 0.5, 0)
	assert.ErrorIs(t, err, utils.ErrNoData)

	_, err = Percentile([]float64{1}, 1.5, 0)
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
	_, err = Percentile([]float64{1}, -0.1, 0)
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
}

func TestPercentileApproximateWithinRankError(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 20_000)
	for i := range values {
		values[i] = rng.ExpFloat64() * 1000
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	for _, p := range []float64{0.5, 0.95, 0.99} {
		got, err := Percentile(values, p, 1000)
		require.NoError(t, err)

		rank := sort.SearchFloat64s(sorted, got)
		want := int(p * float64(len(sorted)-1))
		slack := int(2*ApproxRankError*float64(len(sorted))) + 1
		assert.InDelta(t, want, rank, float64(slack), "p=%v", p)
	}

	top, err := Percentile(values, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, sorted[len(sorted)-1], top)
}

func TestSummarize(t *testing.T) {
	values := []float64{1, 2, 3, 4, 100}
	s, err := Summarize(values, 0)
	require.NoError(t, err)

	assert.Equal(t, 5, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 100.0, s.Max)
	assert.Equal(t, 3.0, s.Median)
	assert.InDelta(t, 22.0, s.Mean, 1e-12)
	assert.Equal(t, 3.0, s.P50)
	assert.Equal(t, 4.0, s.P95)

	_, err = Summarize(nil, 0)
	assert.ErrorIs(t, err, utils.ErrNoData)
}
