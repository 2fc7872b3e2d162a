package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/metrics"
)

// Recorder persists every job that reaches a terminal state. Handle is meant
// to be subscribed to the scheduler; writes happen on Run's goroutine so a
// slow database never holds up event delivery.
type Recorder struct {
	repo  JobRepository
	queue chan *domain.Job
}

// NewRecorder creates a Recorder buffering up to buffer jobs.
func NewRecorder(repo JobRepository, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{repo: repo, queue: make(chan *domain.Job, buffer)}
}

// Handle queues terminal jobs for saving. When the buffer is full the job is
// dropped and counted.
func (r *Recorder) Handle(e domain.Event) {
	job := domain.TerminalJob(e)
	if job == nil {
		return
	}
	select {
	case r.queue <- job:
	default:
		metrics.HistoryDropped.Inc()
		slog.Warn("History buffer full, dropping job", "job", job.ID)
	}
}

// Run saves queued jobs until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case job := <-r.queue:
			r.save(context.WithoutCancel(ctx), job)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case job := <-r.queue:
			r.save(context.Background(), job)
		default:
			return
		}
	}
}

func (r *Recorder) save(ctx context.Context, job *domain.Job) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.repo.Save(ctx, job); err != nil {
		metrics.HistoryWriteErrors.Inc()
		slog.Error("Failed to save job history", "job", job.ID, "error", err)
	}
}
