// Package scheduler runs external commands as prioritized jobs under a
// concurrency bound, with cancellation, waits and ordered lifecycle events.
package scheduler

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/resilience"
)

// CategoryCircuitOpen marks a job rejected by an open circuit breaker.
const CategoryCircuitOpen = "circuit_open"

// OutputFunc receives one line of output as the command produces it.
type OutputFunc func(line string, isError bool)

// Runner executes a command. It must stop calling onOutput before returning
// and should return promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context, cmd domain.Command, onOutput OutputFunc) (domain.ExecResult, error)
}

// JobSpec is a submission. Zero Priority and zero Command.Timeout take the
// scheduler defaults; an empty ID gets a generated one.
type JobSpec struct {
	ID       string
	Command  domain.Command
	Priority domain.Priority
	Metadata map[string]any
}

// Stats is a point-in-time summary. The finished counters are cumulative.
type Stats struct {
	Pending       int    `json:"pending"`
	Running       int    `json:"running"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Cancelled     uint64 `json:"cancelled"`
	MaxConcurrent int    `json:"max_concurrent"`
	Processing    bool   `json:"processing"`
}

// Scheduler owns a set of jobs. All state below mu is changed only while
// holding it, and every event is published inside the same critical section
// as the state change it reports.
type Scheduler struct {
	runner   Runner
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	retry    *resilience.RetryConfig
	breakers *resilience.Registry
	bus      *Bus
	wake     chan struct{}
	inflight sync.WaitGroup

	mu         sync.Mutex
	cfg        Config
	jobs       map[string]*entry
	queue      jobQueue
	history    []string // terminal job ids, oldest first
	running    int
	seq        uint64
	completed  uint64
	failed     uint64
	cancelled  uint64
	processing bool
	closed     bool
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
}

// New creates a stopped scheduler. Call StartProcessing to begin dispatching.
func New(runner Runner, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: runner,
		log:    slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
		wake:   make(chan struct{}, 1),
		cfg:    cfg.withDefaults(),
		jobs:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = NewBus(s.log)
	return s
}

// Subscribe registers h for every lifecycle event and returns its remover.
func (s *Scheduler) Subscribe(h Handler) func() {
	return s.bus.Subscribe(h)
}

// Submit validates and enqueues a job, returning its id.
func (s *Scheduler) Submit(spec JobSpec) (string, error) {
	if strings.TrimSpace(spec.Command.Program) == "" {
		return "", fmt.Errorf("%w: command is required", ErrInvalidJob)
	}
	if spec.Priority != 0 && !spec.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %d", ErrInvalidJob, int(spec.Priority))
	}
	if spec.Command.Timeout < 0 {
		return "", fmt.Errorf("%w: timeout must not be negative", ErrInvalidJob)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	id := spec.ID
	if id == "" {
		id = s.newID()
	}
	if _, exists := s.jobs[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}

	cmd := spec.Command.Clone()
	if cmd.Timeout == 0 {
		cmd.Timeout = s.cfg.DefaultTimeout
	}
	priority := spec.Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}

	s.seq++
	job := &domain.Job{
		ID:       id,
		Command:  cmd,
		Priority: priority,
		Metadata: maps.Clone(spec.Metadata),
		Seq:      s.seq,
		State:    domain.JobStatePending,
		QueuedAt: s.now(),
	}
	e := &entry{job: job, done: make(chan struct{})}
	s.jobs[id] = e
	heap.Push(&s.queue, e)

	s.log.Debug("Job queued", "job", id, "command", cmd.Program, "priority", priority)
	s.bus.Publish(domain.JobQueued{Job: job.Clone()})
	s.signal()
	return id, nil
}

// Resubmit queues a copy of a failed or cancelled job under a new id.
func (s *Scheduler) Resubmit(id string) (string, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	if e.job.State != domain.JobStateFailed && e.job.State != domain.JobStateCancelled {
		s.mu.Unlock()
		return "", ErrNotResubmittable
	}
	spec := JobSpec{
		Command:  e.job.Command.Clone(),
		Priority: e.job.Priority,
		Metadata: maps.Clone(e.job.Metadata),
	}
	s.mu.Unlock()

	if spec.Metadata == nil {
		spec.Metadata = make(map[string]any, 1)
	}
	spec.Metadata["resubmitted_from"] = id
	return s.Submit(spec)
}

// Cancel reports whether the job was pending or running and is now being cancelled.
func (s *Scheduler) Cancel(id string) bool {
	return s.TryCancel(id) == nil
}

// TryCancel cancels a job. A pending job is cancelled at once; a running job
// is asked to stop and becomes cancelled when its execution returns.
func (s *Scheduler) TryCancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	switch e.job.State {
	case domain.JobStatePending:
		s.queue.remove(e)
		s.cancelPendingLocked(e, "cancelled before start")
		s.checkEmptyLocked()
		return nil
	case domain.JobStateRunning:
		if !e.cancelRequested {
			e.cancelRequested = true
			e.cancel()
			s.log.Info("Cancelling running job", "job", id)
		}
		return nil
	default:
		return ErrAlreadyTerminal
	}
}

// WaitForJob blocks until the job is terminal, timeout elapses or ctx is done.
// A timeout of zero waits on ctx alone. A cancelled job yields its result
// together with ErrWaitCancelled.
func (s *Scheduler) WaitForJob(ctx context.Context, id string, timeout time.Duration) (*domain.Result, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-e.done:
	default:
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrWaitTimeout
			}
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	job := e.job.Clone()
	s.mu.Unlock()
	if job.State == domain.JobStateCancelled {
		return job.Result, ErrWaitCancelled
	}
	return job.Result, nil
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.job.Clone(), nil
}

// PendingJobs returns the queued jobs in the order they would be dispatched.
func (s *Scheduler) PendingJobs() []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.ordered()
}

// RunningJobs returns the running jobs ordered by start.
func (s *Scheduler) RunningJobs() []*domain.Job {
	jobs := s.filter(func(j *domain.Job) bool { return j.State == domain.JobStateRunning })
	slices.SortStableFunc(jobs, func(a, b *domain.Job) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return jobs
}

// Jobs returns every retained job in submission order.
func (s *Scheduler) Jobs() []*domain.Job {
	return s.filter(func(*domain.Job) bool { return true })
}

// filter returns matching snapshots sorted by submission sequence.
func (s *Scheduler) filter(keep func(*domain.Job) bool) []*domain.Job {
	s.mu.Lock()
	jobs := make([]*domain.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		if keep(e.job) {
			jobs = append(jobs, e.job.Clone())
		}
	}
	s.mu.Unlock()

	slices.SortFunc(jobs, func(a, b *domain.Job) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return jobs
}

// Stats returns queue depth, running count and finished counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:       s.queue.Len(),
		Running:       s.running,
		Completed:     s.completed,
		Failed:        s.failed,
		Cancelled:     s.cancelled,
		MaxConcurrent: s.cfg.MaxConcurrent,
		Processing:    s.processing,
	}
}

// SetMaxConcurrent changes the concurrency bound. Jobs already running over
// a lowered bound are left alone.
func (s *Scheduler) SetMaxConcurrent(n int) error {
	if n < 1 {
		return ErrInvalidConcurrency
	}
	s.mu.Lock()
	s.cfg.MaxConcurrent = n
	s.mu.Unlock()
	s.log.Info("Concurrency changed", "max_concurrent", n)
	s.signal()
	return nil
}

// ClearCompleted drops every terminal job and returns how many were removed.
func (s *Scheduler) ClearCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.jobs {
		if e.job.State.IsTerminal() {
			delete(s.jobs, id)
			n++
		}
	}
	s.history = nil
	return n
}

// StartProcessing starts the dispatch loop. The loop stops on StopProcessing
// or when ctx is done. Running jobs do not inherit ctx's cancellation.
func (s *Scheduler) StartProcessing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.processing {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.processing = true
	s.stopLoop = cancel
	s.loopDone = done
	go s.loop(loopCtx, done)

	s.log.Info("Scheduler started", "max_concurrent", s.cfg.MaxConcurrent)
	s.signal()
	return nil
}

// StopProcessing halts dispatching. Running jobs continue to completion.
func (s *Scheduler) StopProcessing() {
	s.mu.Lock()
	if !s.processing {
		s.mu.Unlock()
		return
	}
	s.processing = false
	cancel, done := s.stopLoop, s.loopDone
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("Scheduler stopped")
}

// Close stops dispatching, cancels pending jobs and waits for running ones.
// If ctx ends first the running jobs are cancelled and ctx's error returned.
// Queued events are delivered before Close returns.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.StopProcessing()

	s.mu.Lock()
	cancelled := s.queue.Len()
	for s.queue.Len() > 0 {
		e := heap.Pop(&s.queue).(*entry)
		s.cancelPendingLocked(e, "scheduler closed")
	}
	if cancelled > 0 {
		s.checkEmptyLocked()
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.mu.Lock()
		for _, e := range s.jobs {
			if e.job.State == domain.JobStateRunning && !e.cancelRequested {
				e.cancelRequested = true
				e.cancel()
			}
		}
		s.mu.Unlock()
	}

	s.bus.Close()
	return err
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.loopDone == done {
				s.processing = false
			}
			s.mu.Unlock()
			return
		case <-s.wake:
			s.mu.Lock()
			s.dispatchLocked()
			s.mu.Unlock()
		}
	}
}

// signal wakes the loop without blocking; one pending wake is enough.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLocked() {
	if !s.processing {
		return
	}
	for s.running < s.cfg.MaxConcurrent && s.queue.Len() > 0 {
		e := heap.Pop(&s.queue).(*entry)
		s.startLocked(e)
	}
}

func (s *Scheduler) startLocked(e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	job := e.job
	job.State = domain.JobStateRunning
	job.StartedAt = s.now()
	s.running++

	s.log.Info("Job started", "job", job.ID, "command", job.Command.String(), "priority", job.Priority)
	s.bus.Publish(domain.JobStarted{Job: job.Clone()})

	s.inflight.Add(1)
	go s.execute(ctx, e, job.ID, job.Command.Clone(), maps.Clone(job.Metadata))
}

func (s *Scheduler) execute(ctx context.Context, e *entry, id string, cmd domain.Command, metadata map[string]any) {
	defer s.inflight.Done()

	onOutput := func(line string, isError bool) {
		s.bus.Publish(domain.JobProgress{ID: id, Metadata: metadata, Output: line, IsError: isError})
	}

	var (
		attempts int
		last     domain.ExecResult
	)
	invoke := func(ctx context.Context) (domain.ExecResult, error) {
		attempts++
		s.mu.Lock()
		e.job.Attempts = attempts
		s.mu.Unlock()

		runCtx := ctx
		if cmd.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
			defer cancel()
		}

		res, err := s.runner.Run(runCtx, cmd, onOutput)
		if err != nil || res.ExitCode != 0 {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				res.TimedOut = true
			}
		}
		last = res

		if err == nil && (res.TimedOut || res.ExitCode != 0) {
			err = &resilience.ExitError{ExitCode: res.ExitCode, TimedOut: res.TimedOut, Stderr: res.Stderr}
		}
		if err != nil && ctx.Err() != nil {
			// Cancellation must not count against the program's breaker.
			err = fmt.Errorf("%w: %w", context.Canceled, err)
		}
		return res, err
	}

	var err error
	if s.retry == nil {
		_, err = invoke(ctx)
	} else {
		_, err = resilience.WithResilience(ctx, invoke, s.retryConfig(ctx, id), s.breaker(cmd.Program))
	}
	s.finish(e, last, err)
}

func (s *Scheduler) retryConfig(ctx context.Context, id string) resilience.RetryConfig {
	cfg := *s.retry
	shouldRetry, onRetry := cfg.ShouldRetry, cfg.OnRetry

	cfg.ShouldRetry = func(err error, attempt int) bool {
		if ctx.Err() != nil {
			return false
		}
		if shouldRetry != nil {
			return shouldRetry(err, attempt)
		}
		return resilience.Classify(err).Retryable
	}
	cfg.OnRetry = func(err error, attempt int, delay time.Duration) {
		s.log.Warn("Retrying job", "job", id, "attempt", attempt, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
	}
	return cfg
}

func (s *Scheduler) breaker(program string) *resilience.Breaker {
	if s.breakers == nil {
		return nil
	}
	return s.breakers.Get(program)
}

func (s *Scheduler) finish(e *entry, res domain.ExecResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running--
	job := e.job
	job.EndedAt = s.now()
	result := &domain.Result{
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		TimedOut:  res.TimedOut,
		QueuedAt:  job.QueuedAt,
		StartedAt: job.StartedAt,
		EndedAt:   job.EndedAt,
	}
	job.Result = result

	switch {
	case e.cancelRequested:
		job.State = domain.JobStateCancelled
		result.Error = "cancelled while running"
		s.cancelled++
		s.log.Info("Job cancelled", "job", job.ID, "duration", result.Duration())
		s.bus.Publish(domain.JobCancelled{Job: job.Clone()})
	case err == nil:
		job.State = domain.JobStateCompleted
		s.completed++
		s.log.Info("Job completed", "job", job.ID, "duration", result.Duration(), "attempts", job.Attempts)
		s.bus.Publish(domain.JobCompleted{Job: job.Clone()})
	default:
		job.State = domain.JobStateFailed
		result.Error = err.Error()
		result.Category = failureCategory(err)
		s.failed++
		s.log.Warn("Job failed", "job", job.ID, "category", result.Category,
			"timed_out", result.TimedOut, "attempts", job.Attempts, "error", err)
		s.bus.Publish(domain.JobFailed{Job: job.Clone(), Error: result.Error})
	}

	s.terminateLocked(e)
	s.checkEmptyLocked()
	s.signal()
}

func failureCategory(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return CategoryCircuitOpen
	}
	return string(resilience.Classify(err).Category)
}

// cancelPendingLocked finishes a job that never started. The caller has
// already taken it off the queue.
func (s *Scheduler) cancelPendingLocked(e *entry, reason string) {
	job := e.job
	job.State = domain.JobStateCancelled
	job.EndedAt = s.now()
	job.Result = &domain.Result{
		Error:    reason,
		QueuedAt: job.QueuedAt,
		EndedAt:  job.EndedAt,
	}
	s.cancelled++
	s.log.Info("Job cancelled", "job", job.ID, "reason", reason)
	s.bus.Publish(domain.JobCancelled{Job: job.Clone()})
	s.terminateLocked(e)
}

// terminateLocked releases waiters and applies the history limit.
func (s *Scheduler) terminateLocked(e *entry) {
	close(e.done)
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	s.history = append(s.history, e.job.ID)
	limit := s.cfg.HistoryLimit
	for limit > 0 && len(s.history) > limit {
		oldest := s.history[0]
		s.history = s.history[1:]
		if old, ok := s.jobs[oldest]; ok && old.job.State.IsTerminal() {
			delete(s.jobs, oldest)
		}
	}
}

func (s *Scheduler) checkEmptyLocked() {
	if s.queue.Len() == 0 && s.running == 0 {
		s.bus.Publish(domain.QueueEmpty{})
	}
}
