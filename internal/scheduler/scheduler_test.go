package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/resilience"
)

// =============================================================================
// Fake runner
// =============================================================================

type runFunc func(ctx context.Context, cmd domain.Command, out OutputFunc) (domain.ExecResult, error)

type fakeRunner struct {
	mu      sync.Mutex
	started []string
	calls   int
	run     runFunc

	active    atomic.Int32
	maxActive atomic.Int32
}

func (r *fakeRunner) Run(ctx context.Context, cmd domain.Command, out OutputFunc) (domain.ExecResult, error) {
	r.mu.Lock()
	r.started = append(r.started, cmd.Program)
	r.calls++
	run := r.run
	r.mu.Unlock()

	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if run == nil {
		return domain.ExecResult{Stdout: "ok"}, nil
	}
	return run(ctx, cmd, out)
}

func (r *fakeRunner) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func blockUntilCancelled(ctx context.Context, _ domain.Command, _ OutputFunc) (domain.ExecResult, error) {
	<-ctx.Done()
	return domain.ExecResult{ExitCode: -1}, ctx.Err()
}

func newTestScheduler(t *testing.T, r Runner, maxConcurrent int, opts ...Option) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = maxConcurrent
	cfg.DefaultTimeout = 0
	s := New(r, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func submit(t *testing.T, s *Scheduler, program string, p domain.Priority) string {
	t.Helper()
	id, err := s.Submit(JobSpec{Command: domain.Command{Program: program}, Priority: p})
	require.NoError(t, err)
	return id
}

func wait(t *testing.T, s *Scheduler, id string) *domain.Result {
	t.Helper()
	res, err := s.WaitForJob(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

// =============================================================================
// Ordering
// =============================================================================

func TestScheduler_PriorityOrder(t *testing.T) {
	r := &fakeRunner{}
	s := newTestScheduler(t, r, 1)

	ids := []string{
		submit(t, s, "low", domain.PriorityLow),
		submit(t, s, "normal", domain.PriorityNormal),
		submit(t, s, "high", domain.PriorityHigh),
		submit(t, s, "critical", domain.PriorityCritical),
	}

	pending := s.PendingJobs()
	require.Len(t, pending, 4)
	assert.Equal(t, "critical", pending[0].Command.Program)
	assert.Equal(t, "low", pending[3].Command.Program)

	require.NoError(t, s.StartProcessing(context.Background()))
	for _, id := range ids {
		wait(t, s, id)
	}

	assert.Equal(t, []string{"critical", "high", "normal", "low"}, r.order())
}

func TestScheduler_FIFOWithinPriority(t *testing.T) {
	r := &fakeRunner{}
	s := newTestScheduler(t, r, 1)

	a := submit(t, s, "a", domain.PriorityHigh)
	b := submit(t, s, "b", domain.PriorityHigh)
	c := submit(t, s, "c", domain.PriorityHigh)

	require.NoError(t, s.StartProcessing(context.Background()))
	for _, id := range []string{a, b, c} {
		wait(t, s, id)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.order())
}

func TestScheduler_DefaultPriority(t *testing.T) {
	s := newTestScheduler(t, &fakeRunner{}, 1)
	id := submit(t, s, "echo", 0)

	job, err := s.Job(id)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.Equal(t, domain.JobStatePending, job.State)
	assert.EqualValues(t, 1, job.Seq)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestScheduler_BoundedConcurrency(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, _ domain.Command, _ OutputFunc) (domain.ExecResult, error) {
		time.Sleep(50 * time.Millisecond)
		return domain.ExecResult{}, nil
	}}
	s := newTestScheduler(t, r, 2)
	require.NoError(t, s.StartProcessing(context.Background()))

	var ids []string
	for range 10 {
		ids = append(ids, submit(t, s, "sleep", domain.PriorityNormal))
	}
	for _, id := range ids {
		res, err := s.WaitForJob(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
		assert.Zero(t, res.ExitCode)
	}

	assert.LessOrEqual(t, r.maxActive.Load(), int32(2))
	stats := s.Stats()
	assert.EqualValues(t, 10, stats.Completed)
	assert.Zero(t, stats.Running)
	assert.Zero(t, stats.Pending)
}

func TestScheduler_SetMaxConcurrent(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRunner{run: func(ctx context.Context, _ domain.Command, _ OutputFunc) (domain.ExecResult, error) {
		<-release
		return domain.ExecResult{}, nil
	}}
	s := newTestScheduler(t, r, 1)
	require.NoError(t, s.StartProcessing(context.Background()))

	for range 3 {
		submit(t, s, "job", domain.PriorityNormal)
	}
	require.Eventually(t, func() bool { return s.Stats().Running == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.SetMaxConcurrent(0), ErrInvalidConcurrency)
	require.NoError(t, s.SetMaxConcurrent(3))
	require.Eventually(t, func() bool { return s.Stats().Running == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, s.Stats().MaxConcurrent)
	assert.Len(t, s.RunningJobs(), 3)

	close(release)
}

func TestScheduler_StopProcessingHaltsDequeue(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRunner{run: func(ctx context.Context, _ domain.Command, _ OutputFunc) (domain.ExecResult, error) {
		<-release
		return domain.ExecResult{}, nil
	}}
	s := newTestScheduler(t, r, 1)
	require.NoError(t, s.StartProcessing(context.Background()))

	first := submit(t, s, "first", domain.PriorityNormal)
	require.Eventually(t, func() bool { return s.Stats().Running == 1 }, time.Second, 5*time.Millisecond)
	second := submit(t, s, "second", domain.PriorityNormal)

	s.StopProcessing()
	assert.False(t, s.Stats().Processing)
	close(release)

	wait(t, s, first)
	job, err := s.Job(second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, job.State)

	require.NoError(t, s.StartProcessing(context.Background()))
	wait(t, s, second)
}

// =============================================================================
// Cancellation and waits
// =============================================================================

func TestScheduler_CancelPending(t *testing.T) {
	r := &fakeRunner{}
	s := newTestScheduler(t, r, 1)

	id := submit(t, s, "never", domain.PriorityNormal)
	assert.True(t, s.Cancel(id))
	assert.Empty(t, s.PendingJobs())

	res, err := s.WaitForJob(context.Background(), id, time.Second)
	assert.ErrorIs(t, err, ErrWaitCancelled)
	require.NotNil(t, res)

	require.NoError(t, s.StartProcessing(context.Background()))
	other := submit(t, s, "other", domain.PriorityNormal)
	wait(t, s, other)
	assert.Equal(t, []string{"other"}, r.order())
}

func TestScheduler_CancelTerminalOrUnknown(t *testing.T) {
	s := newTestScheduler(t, &fakeRunner{}, 1)
	require.NoError(t, s.StartProcessing(context.Background()))

	id := submit(t, s, "echo", domain.PriorityNormal)
	wait(t, s, id)

	assert.False(t, s.Cancel(id))
	assert.ErrorIs(t, s.TryCancel(id), ErrAlreadyTerminal)
	assert.ErrorIs(t, s.TryCancel("missing"), ErrNotFound)
}

func TestScheduler_CancelRunning(t *testing.T) {
	r := &fakeRunner{run: blockUntilCancelled}
	s := newTestScheduler(t, r, 1)
	require.NoError(t, s.StartProcessing(context.Background()))

	id := submit(t, s, "block", domain.PriorityNormal)
	require.Eventually(t, func() bool { return s.Stats().Running == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Cancel(id))
	res, err := s.WaitForJob(context.Background(), id, time.Second)
	assert.ErrorIs(t, err, ErrWaitCancelled)
	require.NotNil(t, res)
	assert.False(t, res.TimedOut)

	job, err := s.Job(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, job.State)
	assert.EqualValues(t, 1, s.Stats().Cancelled)
}

func TestScheduler_WaitTimeout(t *testing.T) {
	r := &fakeRunner{run: blockUntilCancelled}
	s := newTestScheduler(t, r, 1)
	require.NoError(t, s.StartProcessing(context.Background()))

	id := submit(t, s, "block", domain.PriorityNormal)
	_, err := s.WaitForJob(context.Background(), id, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	_, err = s.WaitForJob(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)

	s.Cancel(id)
}

// =============================================================================
// Outcomes
// =============================================================================

func TestScheduler_NonZeroExitFails(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, _ domain.Command, _ OutputFunc) (domain.ExecResult, error) {
		return domain.ExecResult{ExitCode: 2, Stderr: "invalid flag"}, nil
	}}
	s := newTestScheduler(t, r, 1)
	require.NoError(t, s.StartProcessing(context.Background()))

	id := submit(t, s, "bad", domain.PriorityNormal)
	res := wait(t, s, id)

	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Error, "code 2")
	assert.Equal(t, string(resilience.CategoryValidation), res.Category)

	job, err := s.Job(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
}

func TestScheduler_TimeoutFails(t *testing.T) {
	r := &fakeRunner{run: blockUntilCancelled}
	s := newTestScheduler(t, r, 1)
	require.NoError(t, s.StartProcessing(context.Background()))

	id, err := s.Submit(JobSpec{Command: domain.Command{Program: "slow", Timeout: 20 * time.Millisecond}})
	require.NoError(t, err)
	res := wait(t, s, id)

	assert.True(t, res.TimedOut)
	assert.Equal(t, string(resilience.CategoryTimeout), res.Category)

	job, err := s.Job(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
}

func TestScheduler_EventsInOrder(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, _ domain.Command, out OutputFunc) (domain.ExecResult, error) {
		out("hello", false)
		out("warn", true)
		return domain.ExecResult{Stdout: "hello"}, nil
	}}
	s := newTestScheduler(t, r, 1)

	var (
		mu     sync.Mutex
		events []domain.Event
	)
	s.Subscribe(func(e domain.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, s.StartProcessing(context.Background()))

	id, err := s.Submit(JobSpec{
		Command:  domain.Command{Program: "echo"},
		Metadata: map[string]any{"trace": "abc"},
	})
	require.NoError(t, err)
	wait(t, s, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 6
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	kinds := make([]domain.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind())
	}
	assert.Equal(t, []domain.EventKind{
		domain.EventJobQueued,
		domain.EventJobStarted,
		domain.EventJobProgress,
		domain.EventJobProgress,
		domain.EventJobCompleted,
		domain.EventQueueEmpty,
	}, kinds)

	progress := events[3].(domain.JobProgress)
	assert.True(t, progress.IsError)
	assert.Equal(t, "warn", progress.Output)
	assert.Equal(t, "abc", progress.Metadata["trace"])
	assert.Equal(t, id, events[4].JobID())
}

// =============================================================================
// Resilience
// =============================================================================

func TestScheduler_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	r := &fakeRunner{run: func(ctx context.Context, _ domain.Command, _ OutputFunc) (domain.ExecResult, error) {
		if calls.Add(1) == 1 {
			return domain.ExecResult{}, errors.New("dial tcp: connection refused")
		}
		return domain.ExecResult{Stdout: "ok"}, nil
	}}
	retry := resilience.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2}
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	s := newTestScheduler(t, r, 1, WithResilience(retry, registry))
	require.NoError(t, s.StartProcessing(context.Background()))

	id := submit(t, s, "flaky", domain.PriorityNormal)
	res := wait(t, s, id)
	assert.Empty(t, res.Error)

	job, err := s.Job(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, resilience.StateClosed, registry.Get("flaky").State())
}

func TestScheduler_OpenCircuitRejectsJob(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, _ domain.Command, _ OutputFunc) (domain.ExecResult, error) {
		return domain.ExecResult{}, errors.New("unauthorized")
	}}
	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = 1
	registry := resilience.NewRegistry(breakerCfg)
	s := newTestScheduler(t, r, 1, WithResilience(resilience.RetryConfig{}, registry))
	require.NoError(t, s.StartProcessing(context.Background()))

	first := wait(t, s, submit(t, s, "remote", domain.PriorityNormal))
	assert.Equal(t, string(resilience.CategoryAuthentication), first.Category)

	second := wait(t, s, submit(t, s, "remote", domain.PriorityNormal))
	assert.Equal(t, CategoryCircuitOpen, second.Category)
	assert.Equal(t, 1, r.callCount())
}

// =============================================================================
// Housekeeping
// =============================================================================

func TestScheduler_SubmitValidation(t *testing.T) {
	s := newTestScheduler(t, &fakeRunner{}, 1)

	_, err := s.Submit(JobSpec{})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = s.Submit(JobSpec{Command: domain.Command{Program: "x"}, Priority: 9})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = s.Submit(JobSpec{Command: domain.Command{Program: "x", Timeout: -time.Second}})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = s.Submit(JobSpec{ID: "fixed", Command: domain.Command{Program: "x"}})
	require.NoError(t, err)
	_, err = s.Submit(JobSpec{ID: "fixed", Command: domain.Command{Program: "x"}})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestScheduler_ClearCompletedAndHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.HistoryLimit = 2
	s := New(&fakeRunner{}, cfg)
	defer s.Close(context.Background())
	require.NoError(t, s.StartProcessing(context.Background()))

	var ids []string
	for range 3 {
		id := submit(t, s, "echo", domain.PriorityNormal)
		wait(t, s, id)
		ids = append(ids, id)
	}

	_, err := s.Job(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, s.Jobs(), 2)

	assert.Equal(t, 2, s.ClearCompleted())
	assert.Empty(t, s.Jobs())
	assert.EqualValues(t, 3, s.Stats().Completed)
}

func TestScheduler_Resubmit(t *testing.T) {
	r := &fakeRunner{}
	s := newTestScheduler(t, r, 1)

	id := submit(t, s, "echo", domain.PriorityHigh)
	require.True(t, s.Cancel(id))

	newID, err := s.Resubmit(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	job, err := s.Job(newID)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, job.Priority)
	assert.Equal(t, id, job.Metadata["resubmitted_from"])

	require.NoError(t, s.StartProcessing(context.Background()))
	wait(t, s, newID)
	_, err = s.Resubmit(newID)
	assert.ErrorIs(t, err, ErrNotResubmittable)
}

func TestScheduler_CloseCancelsPending(t *testing.T) {
	s := New(&fakeRunner{}, DefaultConfig())
	id := submit(t, s, "never", domain.PriorityNormal)

	require.NoError(t, s.Close(context.Background()))
	_, err := s.WaitForJob(context.Background(), id, time.Second)
	assert.ErrorIs(t, err, ErrWaitCancelled)

	_, err = s.Submit(JobSpec{Command: domain.Command{Program: "late"}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_CloseQueueEmptyOnlyAfterDrain(t *testing.T) {
	collect := func(s *Scheduler) func() []domain.EventKind {
		var mu sync.Mutex
		var kinds []domain.EventKind
		s.Subscribe(func(e domain.Event) {
			mu.Lock()
			kinds = append(kinds, e.Kind())
			mu.Unlock()
		})
		return func() []domain.EventKind {
			mu.Lock()
			defer mu.Unlock()
			return append([]domain.EventKind(nil), kinds...)
		}
	}

	idle := New(&fakeRunner{}, DefaultConfig())
	idleEvents := collect(idle)
	require.NoError(t, idle.Close(context.Background()))
	assert.Empty(t, idleEvents())

	busy := New(&fakeRunner{}, DefaultConfig())
	busyEvents := collect(busy)
	submit(t, busy, "never", domain.PriorityNormal)
	require.NoError(t, busy.Close(context.Background()))
	assert.Equal(t, []domain.EventKind{
		domain.EventJobQueued,
		domain.EventJobCancelled,
		domain.EventQueueEmpty,
	}, busyEvents())
}
