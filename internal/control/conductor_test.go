package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/vietddude/conductor/internal/core/config"
	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/storage/sqlstore"
	"github.com/vietddude/conductor/internal/ratelimit"
	"github.com/vietddude/conductor/internal/scheduler"
)

func testConfig() *config.AppConfig {
	cfg := config.Default()
	cfg.Server.Port = 0 // Random port
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func runJob(t *testing.T, c *Conductor, args ...string) string {
	t.Helper()
	id, err := c.Scheduler().Submit(scheduler.JobSpec{
		Command: domain.Command{Program: "sh", Args: args, Timeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := c.Scheduler().WaitForJob(context.Background(), id, 5*time.Second); err != nil {
		t.Fatalf("WaitForJob failed: %v", err)
	}
	return id
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConductor_Lifecycle(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	c, err := NewConductor(ctx, testConfig())
	if err != nil {
		t.Fatalf("NewConductor failed: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	id := runJob(t, c, "-c", "echo hello")

	job, err := c.Scheduler().Job(id)
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}
	if job.State != domain.JobStateCompleted || strings.TrimSpace(job.Result.Stdout) != "hello" {
		t.Errorf("Unexpected job: state=%s stdout=%q", job.State, job.Result.Stdout)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The recorder flushes on shutdown.
	if _, err := c.History().Get(ctx, id); err != nil {
		t.Errorf("Expected job in history: %v", err)
	}
}

func TestConductor_FailingProgramTripsBreaker(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.Breaker.FailureThreshold = 2
	cfg.Scheduler.MaxConcurrent = 1

	c, err := NewConductor(ctx, cfg)
	if err != nil {
		t.Fatalf("NewConductor failed: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(ctx)

	runJob(t, c, "-c", "exit 3")
	runJob(t, c, "-c", "exit 3")
	id := runJob(t, c, "-c", "echo never")

	job, _ := c.Scheduler().Job(id)
	if job.State != domain.JobStateFailed || job.Result.Category != scheduler.CategoryCircuitOpen {
		t.Errorf("Expected circuit rejection, got state=%s category=%s", job.State, job.Result.Category)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/breakers", nil))
	if !strings.Contains(rec.Body.String(), `"state":"open"`) {
		t.Errorf("Expected open breaker in %s", rec.Body.String())
	}
}

func TestConductor_SQLHistoryAndRedis(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Database = sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "history.db"),
	}
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.RateLimit.Backend = ratelimit.BackendRedis

	c, err := NewConductor(ctx, cfg)
	if err != nil && strings.Contains(err.Error(), "cgo") {
		t.Skip("sqlite3 driver needs cgo")
	}
	if err != nil {
		t.Fatalf("NewConductor failed: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	id := runJob(t, c, "-c", "echo nope >&2; exit 64")

	// Subscribers run asynchronously after the job finishes.
	eventually(t, func() bool { return mr.Exists("conductor:failed_job:" + id) })
	eventually(t, func() bool {
		_, err := c.History().Get(ctx, id)
		return err == nil
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/failures", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), id) {
		t.Errorf("Expected %s in failures, got %d %s", id, rec.Code, rec.Body.String())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestConductor_RedisLimiterWithoutRedis(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Backend = ratelimit.BackendRedis

	if _, err := NewConductor(context.Background(), cfg); err == nil {
		t.Fatal("Expected error for redis limiter without redis")
	}
}
