// Package health provides system health monitoring and status reporting.
package health

import "github.com/vietddude/conductor/internal/scheduler"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ProgramHealth describes the breaker guarding one external program.
type ProgramHealth struct {
	Program             string       `json:"program"`
	Status              SystemStatus `json:"status"`
	BreakerState        string       `json:"breaker_state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus             `json:"system_status"`
	Scheduler    scheduler.Stats          `json:"scheduler"`
	Programs     map[string]ProgramHealth `json:"programs"`
}
