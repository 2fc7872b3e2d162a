package health

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/conductor/internal/resilience"
)

// ServicePrefix prefixes the per-program service names.
const ServicePrefix = "conductor.runner/"

// ServiceName returns the health service name for a program's breaker.
func ServiceName(program string) string {
	return ServicePrefix + program
}

// GRPCServer serves grpc.health.v1.Health. The overall service ("") is
// SERVING while the server runs; each breaker gets its own entry that is
// NOT_SERVING while open.
type GRPCServer struct {
	port   int
	server *grpc.Server
	health *grpchealth.Server
}

// NewGRPCServer creates the server and subscribes to breaker transitions.
func NewGRPCServer(port int, breakers *resilience.Registry) *GRPCServer {
	s := &GRPCServer{
		port:   port,
		server: grpc.NewServer(),
		health: grpchealth.NewServer(),
	}
	healthpb.RegisterHealthServer(s.server, s.health)

	if breakers != nil {
		for _, snap := range breakers.Snapshots() {
			s.setBreaker(snap.Name, snap.State)
		}
		breakers.OnStateChange(func(name string, _, to resilience.State) {
			s.setBreaker(name, to)
		})
	}
	return s
}

// Health returns the underlying health server.
func (s *GRPCServer) Health() healthpb.HealthServer {
	return s.health
}

func (s *GRPCServer) setBreaker(name string, state resilience.State) {
	status := healthpb.HealthCheckResponse_SERVING
	if state == resilience.StateOpen {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName(name), status)
}

// Start listens and serves until Stop. It blocks.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains connections.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
