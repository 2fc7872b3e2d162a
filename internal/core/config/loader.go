package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/storage/sqlstore"
	"github.com/vietddude/conductor/internal/ratelimit"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of Default.
func Parse(data []byte) (*AppConfig, error) {
	cfg := Default()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = ratelimit.BackendMemory
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = sqlstore.DriverPgx
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_port must differ from server.port"))
	}

	if c.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, errors.New("scheduler.max_concurrent must be at least 1"))
	}
	if c.Scheduler.DefaultTimeout < 0 {
		errs = append(errs, errors.New("scheduler.default_timeout must not be negative"))
	}
	if c.Scheduler.Retention < 0 {
		errs = append(errs, errors.New("scheduler.retention must not be negative"))
	}
	if _, err := domain.ParsePriority(c.Scheduler.DefaultPriority); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.default_priority: %w", err))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		errs = append(errs, errors.New("retry.initial_delay exceeds retry.max_delay"))
	}
	if c.Retry.Multiplier < 0 {
		errs = append(errs, errors.New("retry.multiplier must not be negative"))
	}

	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 || c.Breaker.HalfOpenMaxCalls < 0 {
		errs = append(errs, errors.New("breaker thresholds must not be negative"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests < 1 {
			errs = append(errs, errors.New("rate_limit.requests must be at least 1"))
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("rate_limit.window must be positive"))
		}
		switch c.RateLimit.Backend {
		case ratelimit.BackendMemory:
		case ratelimit.BackendRedis:
			if c.Redis.URL == "" {
				errs = append(errs, errors.New("rate_limit.backend redis requires redis.url"))
			}
		default:
			errs = append(errs, fmt.Errorf("rate_limit.backend %q unknown", c.RateLimit.Backend))
		}
	}

	switch c.Database.Driver {
	case sqlstore.DriverPgx, sqlstore.DriverPostgres, sqlstore.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q unknown", c.Database.Driver))
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q unknown", c.Logging.Format))
	}

	return errors.Join(errs...)
}
