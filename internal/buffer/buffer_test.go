package buffer

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

func sample(ts int64, v float64) models.Sample {
	return models.Sample{Metric: "LCP", Timestamp: ts, Value: v}
}

func TestPushEvictsByCount(t *testing.T) {
	buf, err := New("LCP", RetentionPolicy{MaxSamples: 3}, 0)
	require.NoError(t, err)

	var evicted []models.Sample
	for i := int64(1); i <= 5; i++ {
		out, err := buf.Push(sample(i*1000, float64(i)))
		require.NoError(t, err)
		evicted = append(evicted, out...)
	}

	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, []float64{3, 4, 5}, buf.Values())
	require.Len(t, evicted, 2)
	assert.Equal(t, int64(1000), evicted[0].Timestamp)
	assert.Equal(t, int64(2000), evicted[1].Timestamp)
}

func TestPushEvictsByAge(t *testing.T) {
	buf, err := New("LCP", RetentionPolicy{MaxAge: 10 * time.Second}, 0)
	require.NoError(t, err)

	for _, ts := range []int64{0, 4000, 9000, 12000} {
		_, err := buf.Push(sample(ts, 1))
		require.NoError(t, err)
	}
	evicted, err := buf.Push(sample(16000, 1))
	require.NoError(t, err)

	// cutoff is 6000: 0 and 4000 are gone
	require.Len(t, evicted, 1)
	assert.Equal(t, int64(4000), evicted[0].Timestamp)
	assert.Equal(t, 3, buf.Len())
}

func TestPushKeepsOrderWithinTolerance(t *testing.T) {
	buf, err := New("LCP", RetentionPolicy{MaxSamples: 10}, 2*time.Second)
	require.NoError(t, err)

	for _, s := range []models.Sample{sample(1000, 1), sample(3000, 3), sample(2000, 2), sample(2000, 22)} {
		_, err := buf.Push(s)
		require.NoError(t, err)
	}

	assert.Equal(t, []float64{1, 2, 22, 3}, buf.Values())

	_, err = buf.Push(sample(500, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrOutOfOrderSample))
	assert.Equal(t, 4, buf.Len())
}

func TestPushRejectsForeignMetricAndNaN(t *testing.T) {
	buf, err := New("LCP", RetentionPolicy{MaxSamples: 10}, 0)
	require.NoError(t, err)

	_, err = buf.Push(models.Sample{Metric: "CLS", Timestamp: 1, Value: 1})
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)

	nan := 0.0
	_, err = buf.Push(sample(1, nan/nan))
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
	assert.Equal(t, 0, buf.Len())
}

func TestWindowIsRestartable(t *testing.T) {
	buf, err := New("LCP", RetentionPolicy{MaxSamples: 10}, 0)
	require.NoError(t, err)
	for i := int64(0); i < 6; i++ {
		_, err := buf.Push(sample(i*1000, float64(i)))
		require.NoError(t, err)
	}

	window := buf.Window(5000, 2*time.Second)
	first := slices.Collect(window)
	second := slices.Collect(window)

	require.Len(t, first, 3)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(3000), first[0].Timestamp)
	assert.Equal(t, 6, buf.Len())
}

func TestLatestAndEvictBefore(t *testing.T) {
	buf, err := New("LCP", RetentionPolicy{MaxSamples: 10}, 0)
	require.NoError(t, err)

	_, ok := buf.Latest()
	assert.False(t, ok)

	for i := int64(0); i < 4; i++ {
		_, err := buf.Push(sample(i*1000, float64(i)))
		require.NoError(t, err)
	}
	latest, ok := buf.Latest()
	require.True(t, ok)
	assert.Equal(t, 3.0, latest.Value)

	before := buf.Version()
	evicted := buf.EvictBefore(2000)
	assert.Len(t, evicted, 2)
	assert.Equal(t, 2, buf.Len())
	assert.NotEqual(t, before, buf.Version())
}

func TestRetentionPolicyValidate(t *testing.T) {
	_, err := New("LCP", RetentionPolicy{}, 0)
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
	_, err = New("LCP", RetentionPolicy{MaxSamples: -1}, 0)
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
}
