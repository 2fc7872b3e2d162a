package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/conductor/internal/core/domain"
)

// FailedJobRepo keeps recently failed jobs in Redis so every instance sharing
// the server can list them.
type FailedJobRepo struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFailedJobRepo creates a repository whose entries expire after ttl.
func NewFailedJobRepo(client *Client, ttl time.Duration) *FailedJobRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FailedJobRepo{rdb: client.rdb, ttl: ttl}
}

// Key helpers
func failedIndexKey() string {
	return keyPrefix + "failed_jobs"
}

func failedJobKey(id string) string {
	return fmt.Sprintf("%sfailed_job:%s", keyPrefix, id)
}

// Add stores a failed job, indexed by when it ended.
func (r *FailedJobRepo) Add(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := r.rdb.Set(ctx, failedJobKey(job.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set failed job: %w", err)
	}

	if err := r.rdb.ZAdd(ctx, failedIndexKey(), redis.Z{
		Score:  float64(job.EndedAt.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to index: %w", err)
	}
	return nil
}

// Recent returns up to limit failed jobs, newest first.
func (r *FailedJobRepo) Recent(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.rdb.ZRevRange(ctx, failedIndexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		data, err := r.rdb.Get(ctx, failedJobKey(id)).Bytes()
		if err == redis.Nil {
			// Data expired but ID still indexed, remove it
			r.rdb.ZRem(ctx, failedIndexKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get failed: %w", err)
		}

		var job domain.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Remove deletes a failed job, typically after it was resubmitted.
func (r *FailedJobRepo) Remove(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, failedJobKey(id)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return r.rdb.ZRem(ctx, failedIndexKey(), id).Err()
}
