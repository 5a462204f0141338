package grpchealth

import (
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/freshness/internal/logging"
)

// ServiceName is the per-service name reported alongside the overall "" entry.
const ServiceName = "freshness.Predictor"

// Readiness reports whether predictions can be served.
type Readiness interface {
	Ready() bool
}

// Server exposes grpc.health.v1.Health mirroring model readiness.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds the server and publishes the current readiness.
func New(status Readiness, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger.Named("grpchealth"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	servingStatus := healthpb.HealthCheckResponse_NOT_SERVING
	if status != nil && status.Ready() {
		servingStatus = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", servingStatus)
	s.health.SetServingStatus(ServiceName, servingStatus)
	return s
}

// Serve blocks until the server stops. A clean stop returns nil.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("grpchealth.serve", "", err)
	}
	return nil
}

// Shutdown reports NOT_SERVING for every service without closing connections.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
