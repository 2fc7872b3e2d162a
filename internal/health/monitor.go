package health

import (
	"github.com/vietddude/conductor/internal/resilience"
	"github.com/vietddude/conductor/internal/scheduler"
)

// StatsSource reports scheduler counters.
type StatsSource interface {
	Stats() scheduler.Stats
}

// Monitor aggregates health status from the scheduler and its breakers.
type Monitor struct {
	stats    StatsSource
	breakers *resilience.Registry
}

// NewMonitor creates a new health monitor. breakers may be nil.
func NewMonitor(stats StatsSource, breakers *resilience.Registry) *Monitor {
	return &Monitor{stats: stats, breakers: breakers}
}

// CheckHealth builds a report. An open breaker makes its program critical and
// the system degraded; a stopped scheduler with queued work is critical.
func (m *Monitor) CheckHealth() HealthReport {
	report := HealthReport{
		SystemStatus: StatusHealthy,
		Scheduler:    m.stats.Stats(),
		Programs:     make(map[string]ProgramHealth),
	}

	if m.breakers != nil {
		for _, snap := range m.breakers.Snapshots() {
			ph := ProgramHealth{
				Program:             snap.Name,
				Status:              statusFor(snap.State),
				BreakerState:        snap.State.String(),
				ConsecutiveFailures: snap.ConsecutiveFailures,
			}
			if ph.Status != StatusHealthy {
				report.SystemStatus = StatusDegraded
			}
			report.Programs[snap.Name] = ph
		}
	}

	if !report.Scheduler.Processing && report.Scheduler.Pending > 0 {
		report.SystemStatus = StatusCritical
	}
	return report
}

func statusFor(s resilience.State) SystemStatus {
	switch s {
	case resilience.StateOpen:
		return StatusCritical
	case resilience.StateHalfOpen:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
