package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vietddude/conductor/internal/api"
	"github.com/vietddude/conductor/internal/core/config"
	"github.com/vietddude/conductor/internal/core/worker"
	"github.com/vietddude/conductor/internal/health"
	"github.com/vietddude/conductor/internal/infra/process"
	redisclient "github.com/vietddude/conductor/internal/infra/redis"
	"github.com/vietddude/conductor/internal/infra/storage"
	"github.com/vietddude/conductor/internal/infra/storage/memory"
	"github.com/vietddude/conductor/internal/infra/storage/sqlstore"
	"github.com/vietddude/conductor/internal/metrics"
	"github.com/vietddude/conductor/internal/ratelimit"
	"github.com/vietddude/conductor/internal/resilience"
	"github.com/vietddude/conductor/internal/scheduler"
)

// Conductor is the main application struct that manages the scheduler lifecycle.
type Conductor struct {
	cfg         *config.AppConfig
	sched       *scheduler.Scheduler
	breakers    *resilience.Registry
	history     storage.JobRepository
	recorder    *storage.Recorder
	publisher   *redisclient.EventPublisher
	pruner      *worker.Pruner
	apiServer   *api.Server
	grpcServer  *health.GRPCServer
	db          *sqlstore.DB
	redisClient *redisclient.Client
	unsubscribe []func()
	log         *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConductor creates a Conductor with all dependencies initialized.
func NewConductor(ctx context.Context, cfg *config.AppConfig) (*Conductor, error) {
	c := &Conductor{cfg: cfg, log: slog.Default()}

	// 1. Initialize Storage
	if cfg.Database.URL != "" {
		db, err := sqlstore.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		c.db = db
		c.history = sqlstore.NewJobRepo(db)
		c.log.Info("Using SQL job history", "driver", db.Driver())
	} else {
		c.history = memory.NewJobRepo()
		c.log.Info("Using Memory job history")
	}

	// 2. Initialize Redis
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		switch {
		case err == nil:
			c.redisClient = client
		case cfg.RateLimit.Enabled && cfg.RateLimit.Backend == ratelimit.BackendRedis:
			c.closeStores()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		default:
			c.log.Warn("Failed to connect to Redis, event broadcast disabled", "error", err)
		}
	}

	// 3. Resilience
	var opts []scheduler.Option
	opts = append(opts, scheduler.WithLogger(c.log))
	if cfg.Breaker.Enabled {
		c.breakers = resilience.NewRegistry(cfg.BreakerSettings())
		c.breakers.OnStateChange(func(name string, from, to resilience.State) {
			metrics.ObserveBreaker(name, from, to)
			c.log.Warn("Circuit breaker changed state", "program", name, "from", from, "to", to)
		})
	}
	if cfg.Retry.Enabled || cfg.Breaker.Enabled {
		retry := cfg.RetrySettings()
		if !cfg.Retry.Enabled {
			retry.MaxRetries = 0
		}
		opts = append(opts, scheduler.WithResilience(retry, c.breakers))
	}

	// 4. Scheduler and subscribers
	c.sched = scheduler.New(process.NewRunner(cfg.Runner), cfg.SchedulerSettings(), opts...)
	c.recorder = storage.NewRecorder(c.history, cfg.Scheduler.HistoryBuffer)
	c.unsubscribe = append(c.unsubscribe,
		c.sched.Subscribe(metrics.ObserveEvent),
		c.sched.Subscribe(c.recorder.Handle),
	)

	var failures api.FailureSource
	if c.redisClient != nil {
		failed := redisclient.NewFailedJobRepo(c.redisClient, 0)
		c.publisher = redisclient.NewEventPublisher(c.redisClient, cfg.Redis.EventsChannel, failed)
		c.unsubscribe = append(c.unsubscribe, c.sched.Subscribe(c.publisher.Handle))
		failures = failed
		c.log.Info("Publishing events to Redis", "channel", c.publisher.Channel())
	}

	// 5. Rate limiting
	var limiter ratelimit.Limiter
	var idleKeys worker.KeyPruner
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Backend {
		case ratelimit.BackendRedis:
			if c.redisClient == nil {
				c.closeStores()
				return nil, errors.New("redis rate limiting requires redis.url")
			}
			limiter = redisclient.NewRateLimiter(c.redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		default:
			mem := ratelimit.NewMemory(cfg.RateLimit.Requests, cfg.RateLimit.Window)
			limiter, idleKeys = mem, mem
		}
	}
	c.pruner = worker.NewPruner(cfg.Scheduler.Retention, c.history, idleKeys)

	// 6. Servers
	checks := map[string]api.HealthCheck{}
	if c.db != nil {
		checks["database"] = c.db.Health
	}
	if c.redisClient != nil {
		checks["redis"] = c.redisClient.Ping
	}
	c.apiServer = api.NewServer(api.Deps{
		Scheduler: c.sched,
		Breakers:  c.breakers,
		History:   c.history,
		Failures:  failures,
		Limiter:   limiter,
		Monitor:   health.NewMonitor(c.sched, c.breakers),
		Checks:    checks,
	}, cfg.Server.Port)

	if cfg.Server.GRPCPort > 0 {
		c.grpcServer = health.NewGRPCServer(cfg.Server.GRPCPort, c.breakers)
	}

	return c, nil
}

// Scheduler returns the job scheduler.
func (c *Conductor) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// History returns the job history repository.
func (c *Conductor) History() storage.JobRepository {
	return c.history
}

// Handler returns the HTTP API handler.
func (c *Conductor) Handler() http.Handler {
	return c.apiServer.Handler()
}

// Start starts the background workers and servers. It does not block.
func (c *Conductor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.goRun(func() { c.recorder.Run(runCtx) })
	c.goRun(func() { c.pruner.Start(runCtx) })
	if c.publisher != nil {
		c.goRun(func() { c.publisher.Run(runCtx) })
	}

	// Start DB Metrics Collector
	if c.db != nil {
		c.db.StartMetricsCollector(runCtx)
	}

	// Start API Server
	go func() {
		c.log.Info("API server listening", "port", c.cfg.Server.Port)
		if err := c.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("API server failed", "error", err)
		}
	}()

	// Start gRPC Health Server
	if c.grpcServer != nil {
		go func() {
			if err := c.grpcServer.Start(); err != nil {
				c.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	if c.cfg.Scheduler.Autostart {
		if err := c.sched.StartProcessing(runCtx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

func (c *Conductor) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Stop stops accepting work, drains the scheduler and closes every store.
func (c *Conductor) Stop(ctx context.Context) error {
	c.log.Info("Stopping Conductor...")

	var errs []error
	if err := c.apiServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}
	if c.grpcServer != nil {
		c.grpcServer.Stop()
	}

	// Close delivers every queued event, so the recorder has seen all
	// terminal jobs before it is told to flush.
	if err := c.sched.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	for _, unsub := range c.unsubscribe {
		unsub()
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.closeStores()
	return errors.Join(errs...)
}

func (c *Conductor) closeStores() {
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Warn("Failed to close database", "error", err)
		}
	}
}
