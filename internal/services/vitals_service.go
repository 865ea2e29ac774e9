package services

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-vitals/internal/api"
	"github.com/miradorstack/mirador-vitals/internal/engine"
	"github.com/miradorstack/mirador-vitals/internal/models"
)

// VitalsService implements the gRPC MetricsEngine service over an engine.
type VitalsService struct {
	logger  *slog.Logger
	engine  *engine.Engine
	backlog int
}

// NewVitalsService constructs the service facade. backlog bounds the outcomes
// queued per Subscribe stream.
func NewVitalsService(logger *slog.Logger, eng *engine.Engine, backlog int) *VitalsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VitalsService{logger: logger, engine: eng, backlog: backlog}
}

func (s *VitalsService) ready() error {
	if s.engine == nil {
		return status.Error(codes.FailedPrecondition, "engine not configured")
	}
	return nil
}

// Ingest threads one sample through the engine and returns its outcome.
func (s *VitalsService) Ingest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	sample, err := api.DecodeSample(req)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	outcome, err := s.engine.Ingest(sample)
	if err != nil {
		s.logger.Debug("ingest rejected", slog.String("metric", sample.Metric), slog.Any("error", err))
		return nil, api.GRPCError(err)
	}
	return encode(api.EncodeOutcome(outcome))
}

// Latest returns the newest sample of a metric.
func (s *VitalsService) Latest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	metric, err := api.MetricOf(req)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	sample, err := s.engine.Latest(metric)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return encode(api.Encode("sample", sample))
}

// Window returns the samples of a metric newer than now-duration.
func (s *VitalsService) Window(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var wr api.WindowRequest
	if err := api.Decode(req, &wr); err != nil {
		return nil, api.GRPCError(err)
	}
	metric, err := api.MetricOf(req)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	d, err := wr.Window()
	if err != nil {
		return nil, api.GRPCError(err)
	}
	samples, err := s.engine.Window(metric, d)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return encode(api.Encode("samples", map[string]any{"metric": metric, "samples": samples}))
}

// Percentile returns a quantile of the retained samples of a metric.
func (s *VitalsService) Percentile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var pr api.PercentileRequest
	if err := api.Decode(req, &pr); err != nil {
		return nil, api.GRPCError(err)
	}
	metric, err := api.MetricOf(req)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	v, err := s.engine.Percentile(metric, pr.P)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return encode(api.Encode("percentile", api.PercentileResponse{Metric: metric, P: pr.P, Value: v}))
}

// IncidentPeriods returns the closed and open incident periods of a metric.
func (s *VitalsService) IncidentPeriods(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	metric, err := api.MetricOf(req)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	periods, err := s.engine.IncidentPeriods(metric)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return encode(api.Encode("periods", map[string]any{"metric": metric, "periods": periods}))
}

// BudgetStatus evaluates the budgets of a metric against its latest sample.
func (s *VitalsService) BudgetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	metric, err := api.MetricOf(req)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	statuses, err := s.engine.BudgetStatus(metric)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return encode(api.Encode("statuses", map[string]any{"metric": metric, "statuses": statuses}))
}

// Subscribe streams outcomes until the client goes away. A lagging client
// loses outcomes rather than slowing ingestion.
func (s *VitalsService) Subscribe(req *structpb.Struct, stream api.OutcomeStream) error {
	if err := s.ready(); err != nil {
		return err
	}
	var sr api.SubscribeRequest
	if err := api.Decode(req, &sr); err != nil {
		return api.GRPCError(err)
	}
	metric := sr.Metric
	if metric == "" {
		metric = engine.AllMetrics
	}
	kinds, err := sr.OutcomeKinds()
	if err != nil {
		return api.GRPCError(err)
	}

	handler, outcomes := engine.Buffered(s.backlog)
	id, err := s.engine.Subscribe(metric, handler, kinds...)
	if err != nil {
		return api.GRPCError(err)
	}
	defer s.engine.Unsubscribe(id)
	s.logger.Debug("stream subscribed", slog.String("metric", metric), slog.String("subscription", string(id)))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-outcomes:
			if err := s.send(stream, o); err != nil {
				return err
			}
		}
	}
}

func (s *VitalsService) send(stream api.OutcomeStream, o models.IngestOutcome) error {
	msg, err := api.EncodeOutcome(o)
	if err != nil {
		s.logger.Error("encode outcome failed", slog.String("metric", o.Sample.Metric), slog.Any("error", err))
		return status.Error(codes.Internal, "failed to encode outcome")
	}
	return stream.Send(msg)
}

func encode(msg *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}
