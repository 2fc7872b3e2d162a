package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/process"
	"github.com/vietddude/conductor/internal/resilience"
	"github.com/vietddude/conductor/internal/scheduler"
)

var (
	runPriority string
	runTimeout  time.Duration
	runDir      string
	runEnv      map[string]string
	runRetries  int
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- program [args...]",
	Short: "Run a single command as a job and stream its output",
	Args:  cobra.MinimumNArgs(1),
	Run:   runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runPriority, "priority", "normal", "job priority (low, normal, high, critical)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-attempt timeout (default from config)")
	runCmd.Flags().StringVar(&runDir, "cwd", "", "working directory")
	runCmd.Flags().StringToStringVar(&runEnv, "env", nil, "extra environment variables (KEY=VALUE)")
	runCmd.Flags().IntVar(&runRetries, "retries", -1, "max retries (default from config)")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(true)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	priority, err := domain.ParsePriority(runPriority)
	if err != nil {
		slog.Error("Invalid priority", "error", err)
		os.Exit(2)
	}

	retry := cfg.RetrySettings()
	if !cfg.Retry.Enabled {
		retry.MaxRetries = 0
	}
	if runRetries >= 0 {
		retry.MaxRetries = runRetries
	}

	sched := scheduler.New(
		process.NewRunner(cfg.Runner),
		cfg.SchedulerSettings(),
		scheduler.WithResilience(retry, resilience.NewRegistry(cfg.BreakerSettings())),
	)
	sched.Subscribe(func(e domain.Event) {
		if p, ok := e.(domain.JobProgress); ok {
			if p.IsError {
				fmt.Fprintln(os.Stderr, p.Output)
			} else {
				fmt.Fprintln(os.Stdout, p.Output)
			}
		}
	})

	id, err := sched.Submit(scheduler.JobSpec{
		Command: domain.Command{
			Program: args[0],
			Args:    args[1:],
			Dir:     runDir,
			Env:     runEnv,
			Timeout: runTimeout,
		},
		Priority: priority,
	})
	if err != nil {
		slog.Error("Failed to submit job", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := sched.StartProcessing(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		sched.Cancel(id)
	}()

	result, waitErr := sched.WaitForJob(context.Background(), id, 0)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = sched.Close(closeCtx)

	os.Exit(exitStatus(id, sched, result, waitErr))
}

// exitStatus mirrors the job's exit code where there is one.
func exitStatus(id string, sched *scheduler.Scheduler, result *domain.Result, err error) int {
	switch {
	case errors.Is(err, scheduler.ErrWaitCancelled):
		slog.Warn("Job cancelled", "job", id)
		return 130
	case err != nil:
		slog.Error("Failed waiting for job", "job", id, "error", err)
		return 1
	}

	job, _ := sched.Job(id)
	if job.State == domain.JobStateCompleted {
		slog.Info("Job completed", "job", id, "duration", result.Duration(), "attempts", job.Attempts)
		return 0
	}

	slog.Error("Job failed", "job", id, "error", result.Error, "category", result.Category,
		"timed_out", result.TimedOut, "attempts", job.Attempts)
	if result.ExitCode > 0 {
		return result.ExitCode
	}
	return 1
}
