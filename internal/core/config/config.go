package config

import (
	"time"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/process"
	redisclient "github.com/vietddude/conductor/internal/infra/redis"
	"github.com/vietddude/conductor/internal/infra/storage/sqlstore"
	"github.com/vietddude/conductor/internal/ratelimit"
	"github.com/vietddude/conductor/internal/resilience"
	"github.com/vietddude/conductor/internal/scheduler"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Scheduler SchedulerConfig    `yaml:"scheduler"`
	Runner    process.Config     `yaml:"runner"`
	Retry     RetryConfig        `yaml:"retry"`
	Breaker   BreakerConfig      `yaml:"breaker"`
	RateLimit ratelimit.Config   `yaml:"rate_limit"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  sqlstore.Config    `yaml:"database"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables the gRPC health server
}

// SchedulerConfig holds job scheduling settings.
type SchedulerConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DefaultPriority string        `yaml:"default_priority"` // low, normal, high, critical
	HistoryLimit    int           `yaml:"history_limit"`
	HistoryBuffer   int           `yaml:"history_buffer"` // pending writes to the history store
	Retention       time.Duration `yaml:"retention"`      // persisted history age limit; 0 keeps all
	Autostart       bool          `yaml:"autostart"`
}

// RetryConfig holds the retry policy applied around each job execution.
type RetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          bool          `yaml:"jitter"`
	HonorRetryAfter bool          `yaml:"honor_retry_after"`
}

// BreakerConfig holds the template for per-program circuit breakers.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the configuration used for every key the file leaves out.
func Default() *AppConfig {
	retry := resilience.DefaultRetryConfig
	breaker := resilience.DefaultBreakerConfig()
	sched := scheduler.DefaultConfig()

	return &AppConfig{
		Server: ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{
			MaxConcurrent:   sched.MaxConcurrent,
			DefaultTimeout:  sched.DefaultTimeout,
			DefaultPriority: sched.DefaultPriority.String(),
			HistoryLimit:    sched.HistoryLimit,
			HistoryBuffer:   256,
			Retention:       30 * 24 * time.Hour,
			Autostart:       true,
		},
		Runner: process.DefaultConfig(),
		Retry: RetryConfig{
			Enabled:         true,
			MaxRetries:      retry.MaxRetries,
			InitialDelay:    retry.InitialDelay,
			MaxDelay:        retry.MaxDelay,
			Multiplier:      retry.Multiplier,
			Jitter:          retry.Jitter,
			HonorRetryAfter: true,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: breaker.FailureThreshold,
			SuccessThreshold: breaker.SuccessThreshold,
			ResetTimeout:     breaker.ResetTimeout,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Redis:     redisclient.Config{EventsChannel: redisclient.DefaultEventsChannel},
		Database:  sqlstore.Config{Driver: sqlstore.DriverPgx},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// SchedulerSettings converts the scheduler section. Call after Validate.
func (c *AppConfig) SchedulerSettings() scheduler.Config {
	priority, err := domain.ParsePriority(c.Scheduler.DefaultPriority)
	if err != nil {
		priority = domain.PriorityNormal
	}
	return scheduler.Config{
		MaxConcurrent:   c.Scheduler.MaxConcurrent,
		DefaultTimeout:  c.Scheduler.DefaultTimeout,
		DefaultPriority: priority,
		HistoryLimit:    c.Scheduler.HistoryLimit,
	}
}

// RetrySettings converts the retry section.
func (c *AppConfig) RetrySettings() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:      c.Retry.MaxRetries,
		InitialDelay:    c.Retry.InitialDelay,
		MaxDelay:        c.Retry.MaxDelay,
		Multiplier:      c.Retry.Multiplier,
		Jitter:          c.Retry.Jitter,
		HonorRetryAfter: c.Retry.HonorRetryAfter,
	}
}

// BreakerSettings converts the breaker section into a registry template.
func (c *AppConfig) BreakerSettings() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		ResetTimeout:     c.Breaker.ResetTimeout,
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}
