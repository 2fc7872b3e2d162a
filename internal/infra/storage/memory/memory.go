package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/storage"
)

// JobRepo keeps job history in process memory.
type JobRepo struct {
	jobs map[string]*domain.Job
	mu   sync.RWMutex
}

var _ storage.JobRepository = (*JobRepo)(nil)

func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: make(map[string]*domain.Job)}
}

func (r *JobRepo) Save(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (r *JobRepo) List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	r.mu.RLock()
	var out []*domain.Job
	for _, job := range r.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.Program != "" && job.Command.Program != filter.Program {
			continue
		}
		out = append(out, job.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *domain.Job) int {
		if c := b.EndedAt.Compare(a.EndedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	offset := max(filter.Offset, 0)
	if offset >= len(out) {
		return []*domain.Job{}, nil
	}
	out = out[offset:]
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[domain.JobState]int)
	for _, job := range r.jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (r *JobRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, job := range r.jobs {
		if job.EndedAt.Before(before) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}
