package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

func TestFailingSubscribersAreIsolated(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	require.NoError(t, eng.RegisterMetric("LCP", MetricConfig{}))

	_, err := eng.Subscribe("LCP", func(models.IngestOutcome) error { panic("boom") })
	require.NoError(t, err)
	_, err = eng.Subscribe("LCP", func(models.IngestOutcome) error { return errors.New("closed pipe") })
	require.NoError(t, err)

	var got []int64
	_, err = eng.Subscribe("LCP", func(o models.IngestOutcome) error {
		got = append(got, o.Sample.Timestamp)
		return nil
	})
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		_, err := eng.IngestValue("LCP", i, 10)
		require.NoError(t, err)
	}

	assert.Equal(t, []int64{0, 1, 2, 3, 4}, got)
	assert.Equal(t, uint64(10), eng.Stats().SubscriberFailures)
	assert.Equal(t, 3, eng.SubscriberCount("LCP"))
}

func TestSubscriptionFilterByKind(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	require.NoError(t, eng.RegisterMetric("LCP", MetricConfig{}))

	var anomalies, everything int
	_, err := eng.Subscribe("LCP", func(o models.IngestOutcome) error {
		assert.True(t, o.IsAnomaly())
		anomalies++
		return nil
	}, models.OutcomeAnomaly)
	require.NoError(t, err)
	_, err = eng.Subscribe("LCP", func(models.IngestOutcome) error {
		everything++
		return nil
	})
	require.NoError(t, err)

	for i := int64(0); i < 10; i++ {
		_, err := eng.IngestValue("LCP", i*1000, 100)
		require.NoError(t, err)
	}
	_, err = eng.IngestValue("LCP", 10_000, 900)
	require.NoError(t, err)

	assert.Equal(t, 1, anomalies)
	assert.Equal(t, 11, everything)

	_, err = eng.Subscribe("LCP", func(models.IngestOutcome) error { return nil }, "gossip")
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	require.NoError(t, eng.RegisterMetric("LCP", MetricConfig{}))

	calls := 0
	id, err := eng.Subscribe("LCP", func(models.IngestOutcome) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	_, err = eng.IngestValue("LCP", 1, 1)
	require.NoError(t, err)
	assert.True(t, eng.Unsubscribe(id))
	assert.False(t, eng.Unsubscribe(id))
	_, err = eng.IngestValue("LCP", 2, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, eng.SubscriberCount("LCP"))
}

func TestSubscribeRequiresKnownMetric(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	noop := func(models.IngestOutcome) error { return nil }

	_, err := eng.Subscribe("FID", noop)
	assert.ErrorIs(t, err, utils.ErrUnknownMetric)
	_, err = eng.Subscribe("FID", nil)
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)

	_, err = eng.Subscribe(AllMetrics, noop)
	require.NoError(t, err)
	assert.Equal(t, 1, eng.SubscriberCount(AllMetrics))

	auto, _ := newTestEngine(t, true)
	_, err = auto.Subscribe("FID", noop)
	assert.NoError(t, err)
}

func TestBufferedHandlerReportsLag(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	require.NoError(t, eng.RegisterMetric("LCP", MetricConfig{}))

	handler, ch := Buffered(2)
	_, err := eng.Subscribe("LCP", handler)
	require.NoError(t, err)

	for i := int64(0); i < 4; i++ {
		_, err := eng.IngestValue("LCP", i, 1)
		require.NoError(t, err)
	}

	assert.Len(t, ch, 2)
	first := <-ch
	assert.Equal(t, int64(0), first.Sample.Timestamp)
	assert.Equal(t, uint64(2), eng.Stats().SubscriberFailures)
	assert.NoError(t, handler(models.IngestOutcome{}))
}
