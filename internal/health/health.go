// Package health serves the standard gRPC health protocol and tracks broker connectivity.
package health

import (
	"fmt"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server is a gRPC health server. It reports NOT_SERVING until the broker
// connection is up and implements rabbitmq.ConnectionStateListener.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	services []string
	logger   *slog.Logger
}

// NewServer creates a health server for the overall process ("") and each named service.
func NewServer(logger *slog.Logger, services ...string) *Server {
	s := &Server{
		grpc:     grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		health:   health.NewServer(),
		services: append([]string{""}, services...),
		logger:   logger.With("component", "grpc-health"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// OnConnected marks every service SERVING.
func (s *Server) OnConnected() {
	s.logger.Info("broker connected, serving")
	s.set(healthpb.HealthCheckResponse_SERVING)
}

// OnDisconnected marks every service NOT_SERVING.
func (s *Server) OnDisconnected(err error) {
	s.logger.Warn("broker disconnected, not serving", "error", err)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	for _, svc := range s.services {
		s.health.SetServingStatus(svc, status)
	}
}

// ListenAndServe serves on addr until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop reports NOT_SERVING to watchers and drains the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
