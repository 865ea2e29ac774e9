package api

import (
	"context"
	"fmt"
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/mirador-vitals/internal/config"
)

// Server hosts the MetricsEngine service next to the standard health service.
// Subscribe streams stay open for as long as a dashboard watches a metric, so
// idle connections are pinged and streams per connection are capped.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

// NewServer constructs a gRPC server bound to the configured address.
func NewServer(cfg config.ServerConfig, service MetricsEngineServer, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	return NewServerWithListener(cfg, lis, service, opts...), nil
}

// NewServerWithListener serves on an existing listener (bufconn in tests).
func NewServerWithListener(cfg config.ServerConfig, lis net.Listener, service MetricsEngineServer, opts ...grpc.ServerOption) *Server {
	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}, streamOptions(cfg)...)
	srv := grpc.NewServer(append(serverOpts, opts...)...)

	RegisterMetricsEngineServer(srv, service)
	grpc_prometheus.Register(srv)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	if cfg.Reflection {
		reflection.Register(srv)
	}
	return &Server{grpc: srv, health: healthSrv, lis: lis}
}

// streamOptions derives keepalive and stream limits from cfg. Zero values
// leave the grpc defaults in place.
func streamOptions(cfg config.ServerConfig) []grpc.ServerOption {
	var opts []grpc.ServerOption
	if cfg.KeepaliveInterval > 0 {
		opts = append(opts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    cfg.KeepaliveInterval,
				Timeout: cfg.KeepaliveInterval / 3,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             cfg.KeepaliveInterval / 2,
				PermitWithoutStream: true,
			}),
		)
	}
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}
	return opts
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	if s.grpc == nil || s.lis == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpc.Serve(s.lis)
}

// Addr is the bound listener address.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Shutdown reports NOT_SERVING to health checks, lets open subscriptions
// finish, and forces a stop when ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpc == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpc.Stop()
	case <-stopped:
	}
}
