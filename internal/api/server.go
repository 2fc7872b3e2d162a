// Package api exposes the scheduler over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/health"
	"github.com/vietddude/conductor/internal/infra/storage"
	"github.com/vietddude/conductor/internal/ratelimit"
	"github.com/vietddude/conductor/internal/resilience"
	"github.com/vietddude/conductor/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	Submit(spec scheduler.JobSpec) (string, error)
	Resubmit(id string) (string, error)
	TryCancel(id string) error
	WaitForJob(ctx context.Context, id string, timeout time.Duration) (*domain.Result, error)
	Job(id string) (*domain.Job, error)
	Jobs() []*domain.Job
	Stats() scheduler.Stats
	SetMaxConcurrent(n int) error
	ClearCompleted() int
	StartProcessing(ctx context.Context) error
	StopProcessing()
}

// FailureSource lists recently failed jobs.
type FailureSource interface {
	Recent(ctx context.Context, limit int) ([]*domain.Job, error)
}

// Reporter produces the detailed health report.
type Reporter interface {
	CheckHealth() health.HealthReport
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the components served by the API. Only Scheduler is required.
type Deps struct {
	Scheduler Scheduler
	Breakers  *resilience.Registry
	History   storage.JobRepository
	Failures  FailureSource
	Limiter   ratelimit.Limiter
	Monitor   Reporter
	Checks    map[string]HealthCheck
}

// Server provides the HTTP API.
type Server struct {
	deps   Deps
	router *gin.Engine
	server *http.Server
}

// NewServer creates a new API server listening on port.
func NewServer(deps Deps, port int) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), observe())

	s := &Server{
		deps:   deps,
		router: router,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/detailed", s.handleDetailed)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")

	jobs := v1.Group("/jobs")
	jobs.POST("", rateLimit(s.deps.Limiter), s.submitJob)
	jobs.GET("", s.listJobs)
	jobs.DELETE("", s.clearCompleted)
	jobs.GET("/:id", s.getJob)
	jobs.DELETE("/:id", s.cancelJob)
	jobs.GET("/:id/wait", s.waitJob)
	jobs.POST("/:id/resubmit", rateLimit(s.deps.Limiter), s.resubmitJob)

	v1.GET("/history", s.listHistory)
	v1.GET("/failures", s.listFailures)
	v1.GET("/stats", s.stats)

	sched := v1.Group("/scheduler")
	sched.PUT("/concurrency", s.setConcurrency)
	sched.POST("/start", s.startProcessing)
	sched.POST("/stop", s.stopProcessing)

	breakers := v1.Group("/breakers")
	breakers.GET("", s.listBreakers)
	breakers.POST("/:name/trip", s.tripBreaker)
	breakers.POST("/:name/reset", s.resetBreaker)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"stats":  s.deps.Scheduler.Stats(),
	})
}

func (s *Server) handleDetailed(c *gin.Context) {
	if s.deps.Monitor == nil {
		writeError(c, fmt.Errorf("health monitor %w", errNotConfigured))
		return
	}
	c.JSON(http.StatusOK, s.deps.Monitor.CheckHealth())
}
