package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/storage"
	"github.com/vietddude/conductor/internal/resilience"
	"github.com/vietddude/conductor/internal/scheduler"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
	defaultFailures    = 50
)

// SubmitRequest is the job submission descriptor.
type SubmitRequest struct {
	ID        string            `json:"id"`
	Command   string            `json:"command" binding:"required"`
	Args      []string          `json:"args"`
	Priority  string            `json:"priority"`
	TimeoutMs int64             `json:"timeout_ms"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	Metadata  map[string]any    `json:"metadata"`
}

// Spec converts the request into a scheduler submission.
func (r SubmitRequest) Spec() (scheduler.JobSpec, error) {
	var priority domain.Priority
	if r.Priority != "" {
		p, err := domain.ParsePriority(r.Priority)
		if err != nil {
			return scheduler.JobSpec{}, fmt.Errorf("%w: %w", scheduler.ErrInvalidJob, err)
		}
		priority = p
	}
	return scheduler.JobSpec{
		ID: r.ID,
		Command: domain.Command{
			Program: r.Command,
			Args:    r.Args,
			Dir:     r.Cwd,
			Env:     r.Env,
			Timeout: time.Duration(r.TimeoutMs) * time.Millisecond,
		},
		Priority: priority,
		Metadata: r.Metadata,
	}, nil
}

func (s *Server) submitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(c, err)
		return
	}

	id, err := s.deps.Scheduler.Submit(spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) listJobs(c *gin.Context) {
	state := domain.JobState(c.Query("state"))
	if state != "" && !validState(state) {
		badRequest(c, fmt.Errorf("unknown state %q", state))
		return
	}

	jobs := s.deps.Scheduler.Jobs()
	if state != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.State == state {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.deps.Scheduler.Job(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Scheduler.TryCancel(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "cancelled": true})
}

func (s *Server) waitJob(c *gin.Context) {
	timeout := defaultWaitTimeout
	if raw := c.Query("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			badRequest(c, fmt.Errorf("invalid timeout_ms %q", raw))
			return
		}
		timeout = min(time.Duration(ms)*time.Millisecond, maxWaitTimeout)
	}

	result, err := s.deps.Scheduler.WaitForJob(c.Request.Context(), c.Param("id"), timeout)
	if errors.Is(err, scheduler.ErrWaitCancelled) {
		status, rpcCode := classify(err)
		c.JSON(status, gin.H{"error": err.Error(), "code": rpcCode.String(), "result": result})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) resubmitJob(c *gin.Context) {
	id, err := s.deps.Scheduler.Resubmit(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) clearCompleted(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": s.deps.Scheduler.ClearCompleted()})
}

func (s *Server) listHistory(c *gin.Context) {
	if s.deps.History == nil {
		writeError(c, fmt.Errorf("job history %w", errNotConfigured))
		return
	}

	filter := storage.JobFilter{
		State:   domain.JobState(c.Query("state")),
		Program: c.Query("program"),
	}
	if filter.State != "" && !validState(filter.State) {
		badRequest(c, fmt.Errorf("unknown state %q", filter.State))
		return
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		badRequest(c, err)
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		badRequest(c, err)
		return
	}

	jobs, err := s.deps.History.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) listFailures(c *gin.Context) {
	if s.deps.Failures == nil {
		writeError(c, fmt.Errorf("failure log %w", errNotConfigured))
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	if limit == 0 {
		limit = defaultFailures
	}

	jobs, err := s.deps.Failures.Recent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.Stats())
}

type concurrencyRequest struct {
	MaxConcurrent int `json:"max_concurrent" binding:"required"`
}

func (s *Server) setConcurrency(c *gin.Context) {
	var req concurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Scheduler.SetMaxConcurrent(req.MaxConcurrent); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Scheduler.Stats())
}

func (s *Server) startProcessing(c *gin.Context) {
	// The loop must outlive the request.
	if err := s.deps.Scheduler.StartProcessing(context.WithoutCancel(c.Request.Context())); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Scheduler.Stats())
}

func (s *Server) stopProcessing(c *gin.Context) {
	s.deps.Scheduler.StopProcessing()
	c.JSON(http.StatusOK, s.deps.Scheduler.Stats())
}

func (s *Server) listBreakers(c *gin.Context) {
	snapshots := []resilience.BreakerSnapshot{}
	if s.deps.Breakers != nil {
		snapshots = s.deps.Breakers.Snapshots()
	}
	c.JSON(http.StatusOK, gin.H{"breakers": snapshots})
}

func (s *Server) tripBreaker(c *gin.Context) {
	s.breakerAction(c, func(r *resilience.Registry, name string) bool { return r.Trip(name) })
}

func (s *Server) resetBreaker(c *gin.Context) {
	s.breakerAction(c, func(r *resilience.Registry, name string) bool { return r.Reset(name) })
}

func (s *Server) breakerAction(c *gin.Context, action func(r *resilience.Registry, name string) bool) {
	if s.deps.Breakers == nil {
		writeError(c, fmt.Errorf("circuit breakers %w", errNotConfigured))
		return
	}
	name := c.Param("name")
	if !action(s.deps.Breakers, name) {
		writeError(c, fmt.Errorf("%w: %s", errBreakerUnknown, name))
		return
	}
	b, _ := s.deps.Breakers.Lookup(name)
	c.JSON(http.StatusOK, b.Snapshot())
}

func validState(s domain.JobState) bool {
	switch s {
	case domain.JobStatePending, domain.JobStateRunning, domain.JobStateCompleted,
		domain.JobStateFailed, domain.JobStateCancelled:
		return true
	}
	return false
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}
