package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/conductor/internal/core/domain"
)

var (
	// ErrJobNotFound is returned when a job is not in the history
	ErrJobNotFound = errors.New("job not found in history")
)

// JobFilter narrows a history listing. Zero fields match everything.
type JobFilter struct {
	State   domain.JobState
	Program string
	Limit   int // default 100
	Offset  int
}

// EffectiveLimit returns Limit or its default.
func (f JobFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// JobRepository persists finished jobs
type JobRepository interface {
	// Save inserts or replaces a job
	Save(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by id
	Get(ctx context.Context, id string) (*domain.Job, error)

	// List returns matching jobs, most recently ended first
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// CountByState returns the number of stored jobs per state
	CountByState(ctx context.Context) (map[domain.JobState]int, error)

	// DeleteBefore removes jobs that ended before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
