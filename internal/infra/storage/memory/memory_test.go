package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/storage"
)

func job(id string, state domain.JobState, ended time.Time) *domain.Job {
	return &domain.Job{
		ID:       id,
		Command:  domain.Command{Program: "echo"},
		Priority: domain.PriorityNormal,
		State:    state,
		EndedAt:  ended,
	}
}

func TestJobRepo(t *testing.T) {
	repo := NewJobRepo()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	require.NoError(t, repo.Save(ctx, job("a", domain.JobStateCompleted, base)))
	require.NoError(t, repo.Save(ctx, job("b", domain.JobStateFailed, base.Add(time.Second))))
	require.NoError(t, repo.Save(ctx, job("c", domain.JobStateCompleted, base.Add(2*time.Second))))

	got, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)

	got.State = domain.JobStateCompleted
	again, _ := repo.Get(ctx, "b")
	assert.Equal(t, domain.JobStateFailed, again.State, "Get returns a copy")

	_, err = repo.Get(ctx, "zzz")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)

	list, err := repo.List(ctx, storage.JobFilter{State: domain.JobStateCompleted})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)

	list, err = repo.List(ctx, storage.JobFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, list)

	counts, err := repo.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.JobStateCompleted])

	n, err := repo.DeleteBefore(ctx, base.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestJobRepo_NegativeOffset(t *testing.T) {
	repo := NewJobRepo()
	ctx := context.Background()
	base := time.Unix(1000, 0)
	require.NoError(t, repo.Save(ctx, job("a", domain.JobStateCompleted, base)))
	require.NoError(t, repo.Save(ctx, job("b", domain.JobStateCompleted, base.Add(time.Second))))

	jobs, err := repo.List(ctx, storage.JobFilter{Offset: -5})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
}
