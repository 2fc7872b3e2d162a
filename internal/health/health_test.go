package health

import (
	"context"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/conductor/internal/resilience"
	"github.com/vietddude/conductor/internal/scheduler"
)

// =============================================================================
// Mocks
// =============================================================================

type stubStats struct {
	stats scheduler.Stats
}

func (s *stubStats) Stats() scheduler.Stats { return s.stats }

// =============================================================================
// Monitor
// =============================================================================

func TestMonitor_CheckHealth(t *testing.T) {
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	registry.Get("git")
	registry.Get("curl")
	stats := &stubStats{stats: scheduler.Stats{Processing: true, MaxConcurrent: 4}}
	m := NewMonitor(stats, registry)

	report := m.CheckHealth()
	if report.SystemStatus != StatusHealthy {
		t.Errorf("Expected healthy, got %s", report.SystemStatus)
	}
	if len(report.Programs) != 2 {
		t.Fatalf("Expected 2 programs, got %d", len(report.Programs))
	}

	registry.Trip("curl")
	report = m.CheckHealth()
	if report.SystemStatus != StatusDegraded {
		t.Errorf("Expected degraded, got %s", report.SystemStatus)
	}
	if got := report.Programs["curl"]; got.Status != StatusCritical || got.BreakerState != "open" {
		t.Errorf("Unexpected curl health: %+v", got)
	}
	if got := report.Programs["git"].Status; got != StatusHealthy {
		t.Errorf("Expected git healthy, got %s", got)
	}

	stats.stats = scheduler.Stats{Processing: false, Pending: 3}
	if got := m.CheckHealth().SystemStatus; got != StatusCritical {
		t.Errorf("Expected critical with stalled queue, got %s", got)
	}
}

func TestMonitor_NoBreakers(t *testing.T) {
	m := NewMonitor(&stubStats{}, nil)
	report := m.CheckHealth()
	if report.SystemStatus != StatusHealthy || len(report.Programs) != 0 {
		t.Errorf("Unexpected report: %+v", report)
	}
}

// =============================================================================
// gRPC health
// =============================================================================

func check(t *testing.T, s *GRPCServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) failed: %v", service, err)
	}
	return resp.GetStatus()
}

func TestGRPCServer_FollowsBreakers(t *testing.T) {
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	registry.Get("git")

	s := NewGRPCServer(0, registry)

	if got := check(t, s, ServiceName("git")); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected existing breaker SERVING, got %s", got)
	}

	registry.Get("curl").Trip()
	if got := check(t, s, ServiceName("curl")); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING after trip, got %s", got)
	}

	registry.Reset("curl")
	if got := check(t, s, ServiceName("curl")); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING after reset, got %s", got)
	}
}

func TestGRPCServer_Stop(t *testing.T) {
	s := NewGRPCServer(0, nil)
	s.Stop()

	if got := check(t, s, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING after stop, got %s", got)
	}
}
