package services

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-vitals/internal/api"
	"github.com/miradorstack/mirador-vitals/internal/buffer"
	"github.com/miradorstack/mirador-vitals/internal/config"
	"github.com/miradorstack/mirador-vitals/internal/engine"
	"github.com/miradorstack/mirador-vitals/internal/models"
)

type fixture struct {
	engine *engine.Engine
	client *api.MetricsEngineClient
	conn   *grpc.ClientConn
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(engine.Options{Logger: logger, Clock: clock.NewMock()})
	require.NoError(t, eng.RegisterMetric("LCP", engine.MetricConfig{Retention: buffer.RetentionPolicy{MaxSamples: 100}}))
	_, err := eng.SetBudgets("LCP", []models.Budget{{ID: "lcp", Metric: "LCP", Threshold: 2400, Unit: "ms", Enabled: true}})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := api.NewServerWithListener(config.ServerConfig{KeepaliveInterval: time.Minute, MaxConcurrentStreams: 16}, lis, NewVitalsService(logger, eng, 16))
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return fixture{engine: eng, client: api.NewMetricsEngineClient(conn), conn: conn}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func sampleReq(t *testing.T, metric string, ts int64, value float64) *structpb.Struct {
	return mustStruct(t, map[string]any{"metric": metric, "timestamp": float64(ts), "value": value})
}

func lcp(i int) float64 {
	return 2000 + []float64{40, -35, 30, -40, 35, -30}[i%6]
}

func TestIngestAndQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		resp, err := f.client.Ingest(ctx, sampleReq(t, "LCP", int64(i)*1000, lcp(i)))
		require.NoError(t, err)
		outcome, err := api.DecodeOutcome(resp)
		require.NoError(t, err)
		assert.Equal(t, int64(i)*1000, outcome.Sample.Timestamp)
	}

	latest, err := f.client.Latest(ctx, mustStruct(t, map[string]any{"metric": "LCP"}))
	require.NoError(t, err)
	assert.Equal(t, 9000.0, latest.GetFields()["timestamp"].GetNumberValue())

	window, err := f.client.Window(ctx, mustStruct(t, map[string]any{"metric": "LCP", "duration": "1h"}))
	require.NoError(t, err)
	assert.Len(t, window.GetFields()["samples"].GetListValue().GetValues(), 10)

	pct, err := f.client.Percentile(ctx, mustStruct(t, map[string]any{"metric": "LCP", "p": 1.0}))
	require.NoError(t, err)
	assert.Equal(t, 2040.0, pct.GetFields()["value"].GetNumberValue())

	statuses, err := f.client.BudgetStatus(ctx, mustStruct(t, map[string]any{"metric": "LCP"}))
	require.NoError(t, err)
	list := statuses.GetFields()["statuses"].GetListValue().GetValues()
	require.Len(t, list, 1)
	assert.Equal(t, "warning", list[0].GetStructValue().GetFields()["status"].GetStringValue())

	periods, err := f.client.IncidentPeriods(ctx, mustStruct(t, map[string]any{"metric": "LCP"}))
	require.NoError(t, err)
	assert.Empty(t, periods.GetFields()["periods"].GetListValue().GetValues())
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.Latest(ctx, mustStruct(t, map[string]any{"metric": "LCP"}))
	assert.Equal(t, codes.NotFound, status.Code(err), "registered metric without samples")

	_, err = f.client.Latest(ctx, mustStruct(t, map[string]any{"metric": "TTFB"}))
	assert.Equal(t, codes.NotFound, status.Code(err), "unknown metric")

	_, err = f.client.Ingest(ctx, mustStruct(t, map[string]any{"timestamp": 1.0, "value": 1.0}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.Percentile(ctx, mustStruct(t, map[string]any{"metric": "LCP", "p": 1.5}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.Ingest(ctx, sampleReq(t, "LCP", 60_000, 2000))
	require.NoError(t, err)
	_, err = f.client.Ingest(ctx, sampleReq(t, "LCP", 1_000, 2000))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "sample behind the tolerance")

	_, err = f.client.Window(ctx, mustStruct(t, map[string]any{"metric": "LCP"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "window without duration")
}

func TestSubscribeStreamsAnomalies(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := f.client.Subscribe(ctx, mustStruct(t, map[string]any{"metric": "LCP", "kinds": []any{"anomaly"}}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.engine.SubscriberCount("LCP") == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		_, err := f.client.Ingest(ctx, sampleReq(t, "LCP", int64(i)*1000, lcp(i)))
		require.NoError(t, err)
	}
	_, err = f.client.Ingest(ctx, sampleReq(t, "LCP", 20_000, 9000))
	require.NoError(t, err)

	msg, err := stream.Recv()
	require.NoError(t, err)
	outcome, err := api.DecodeOutcome(msg)
	require.NoError(t, err)
	assert.True(t, outcome.IsAnomaly())
	assert.Equal(t, int64(20_000), outcome.Sample.Timestamp)
	require.Len(t, outcome.BudgetEvents, 1)
	assert.Equal(t, models.BudgetViolated, outcome.BudgetEvents[0].Kind)

	cancel()
	require.Eventually(t, func() bool { return f.engine.SubscriberCount("LCP") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	stream, err := f.client.Subscribe(context.Background(), mustStruct(t, map[string]any{"metric": "LCP", "kinds": []any{"bogus"}}))
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServiceWithoutEngine(t *testing.T) {
	svc := NewVitalsService(nil, nil, 0)
	_, err := svc.Latest(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestHealthReportsServing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(f.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
