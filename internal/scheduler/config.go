package scheduler

import (
	"log/slog"
	"time"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/resilience"
)

// Config holds the scheduler's tunables.
type Config struct {
	MaxConcurrent   int             // jobs running at once
	DefaultTimeout  time.Duration   // applied when a command has no timeout; 0 means none
	DefaultPriority domain.Priority // applied when a submission has no priority
	HistoryLimit    int             // terminal jobs retained; 0 keeps all
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   4,
		DefaultTimeout:  5 * time.Minute,
		DefaultPriority: domain.PriorityNormal,
		HistoryLimit:    1000,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if !c.DefaultPriority.Valid() {
		c.DefaultPriority = domain.PriorityNormal
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = 0
	}
	return c
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithResilience runs every job through retry and a circuit breaker keyed by
// the command's program. breakers may be nil for retry only.
func WithResilience(retry resilience.RetryConfig, breakers *resilience.Registry) Option {
	return func(s *Scheduler) {
		s.retry = &retry
		s.breakers = breakers
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator used for jobs submitted without an id.
func WithIDGenerator(gen func() string) Option {
	return func(s *Scheduler) {
		if gen != nil {
			s.newID = gen
		}
	}
}
