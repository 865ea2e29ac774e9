package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.vitals.v1.MetricsEngine"

const (
	methodIngest          = "Ingest"
	methodLatest          = "Latest"
	methodWindow          = "Window"
	methodPercentile      = "Percentile"
	methodIncidentPeriods = "IncidentPeriods"
	methodBudgetStatus    = "BudgetStatus"
	methodSubscribe       = "Subscribe"
)

// MetricsEngineServer is the gRPC surface of the engine. Messages are
// google.protobuf.Struct so the service needs no generated stubs.
type MetricsEngineServer interface {
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Latest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Window(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Percentile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IncidentPeriods(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BudgetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, OutcomeStream) error
}

// OutcomeStream is the server side of a Subscribe call.
type OutcomeStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type outcomeStream struct {
	grpc.ServerStream
}

func (s *outcomeStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

type unaryCall func(MetricsEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MetricsEngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(MetricsEngineServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MetricsEngineServer).Subscribe(in, &outcomeStream{stream})
}

// ServiceDesc describes the MetricsEngine service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MetricsEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodIngest, MetricsEngineServer.Ingest),
		unaryHandler(methodLatest, MetricsEngineServer.Latest),
		unaryHandler(methodWindow, MetricsEngineServer.Window),
		unaryHandler(methodPercentile, MetricsEngineServer.Percentile),
		unaryHandler(methodIncidentPeriods, MetricsEngineServer.IncidentPeriods),
		unaryHandler(methodBudgetStatus, MetricsEngineServer.BudgetStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodSubscribe,
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mirador/vitals/v1/engine.proto",
}

// RegisterMetricsEngineServer attaches srv to s.
func RegisterMetricsEngineServer(s grpc.ServiceRegistrar, srv MetricsEngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// MetricsEngineClient calls a remote MetricsEngine service.
type MetricsEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewMetricsEngineClient wraps a client connection.
func NewMetricsEngineClient(cc grpc.ClientConnInterface) *MetricsEngineClient {
	return &MetricsEngineClient{cc: cc}
}

func (c *MetricsEngineClient) invoke(ctx context.Context, name string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Ingest sends one sample.
func (c *MetricsEngineClient) Ingest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodIngest, in, opts...)
}

// Latest fetches the newest sample of a metric.
func (c *MetricsEngineClient) Latest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodLatest, in, opts...)
}

// Window fetches recent samples of a metric.
func (c *MetricsEngineClient) Window(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodWindow, in, opts...)
}

// Percentile fetches a quantile of a metric.
func (c *MetricsEngineClient) Percentile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodPercentile, in, opts...)
}

// IncidentPeriods fetches the incident history of a metric.
func (c *MetricsEngineClient) IncidentPeriods(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodIncidentPeriods, in, opts...)
}

// BudgetStatus evaluates the budgets of a metric.
func (c *MetricsEngineClient) BudgetStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodBudgetStatus, in, opts...)
}

// OutcomeReceiver is the client side of a Subscribe call.
type OutcomeReceiver interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type outcomeReceiver struct {
	grpc.ClientStream
}

func (r *outcomeReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe opens an outcome stream.
func (c *MetricsEngineClient) Subscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (OutcomeReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod(methodSubscribe), opts...)
	if err != nil {
		return nil, err
	}
	r := &outcomeReceiver{stream}
	if err := r.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := r.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return r, nil
}
