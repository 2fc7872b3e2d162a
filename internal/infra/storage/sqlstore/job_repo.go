package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/storage"
)

// JobRepo implements storage.JobRepository.
type JobRepo struct {
	db *DB
}

var _ storage.JobRepository = (*JobRepo)(nil)

// NewJobRepo creates a new job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// jobRow is the table layout. Times are unix milliseconds, zero when unset.
type jobRow struct {
	ID            string `db:"id"`
	Program       string `db:"program"`
	Args          string `db:"args"`
	Dir           string `db:"dir"`
	TimeoutMs     int64  `db:"timeout_ms"`
	Priority      string `db:"priority"`
	State         string `db:"state"`
	Attempts      int    `db:"attempts"`
	ExitCode      int    `db:"exit_code"`
	TimedOut      int    `db:"timed_out"`
	Error         string `db:"error"`
	ErrorCategory string `db:"error_category"`
	Stdout        string `db:"stdout"`
	Stderr        string `db:"stderr"`
	Metadata      string `db:"metadata"`
	Seq           int64  `db:"seq"`
	QueuedAt      int64  `db:"queued_at"`
	StartedAt     int64  `db:"started_at"`
	EndedAt       int64  `db:"ended_at"`
}

const jobColumns = `id, program, args, dir, timeout_ms, priority, state, attempts, exit_code,
	timed_out, error, error_category, stdout, stderr, metadata, seq, queued_at, started_at, ended_at`

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toRow(job *domain.Job) (jobRow, error) {
	args, err := json.Marshal(job.Command.Args)
	if err != nil {
		return jobRow{}, fmt.Errorf("failed to marshal args: %w", err)
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return jobRow{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	row := jobRow{
		ID:        job.ID,
		Program:   job.Command.Program,
		Args:      string(args),
		Dir:       job.Command.Dir,
		TimeoutMs: job.Command.Timeout.Milliseconds(),
		Priority:  job.Priority.String(),
		State:     string(job.State),
		Attempts:  job.Attempts,
		Metadata:  string(meta),
		Seq:       int64(job.Seq),
		QueuedAt:  toMillis(job.QueuedAt),
		StartedAt: toMillis(job.StartedAt),
		EndedAt:   toMillis(job.EndedAt),
	}
	if r := job.Result; r != nil {
		row.ExitCode = r.ExitCode
		row.Error = r.Error
		row.ErrorCategory = r.Category
		row.Stdout = r.Stdout
		row.Stderr = r.Stderr
		if r.TimedOut {
			row.TimedOut = 1
		}
	}
	return row, nil
}

func (row jobRow) toJob() (*domain.Job, error) {
	priority, err := domain.ParsePriority(row.Priority)
	if err != nil {
		return nil, err
	}
	job := &domain.Job{
		ID: row.ID,
		Command: domain.Command{
			Program: row.Program,
			Dir:     row.Dir,
			Timeout: time.Duration(row.TimeoutMs) * time.Millisecond,
		},
		Priority:  priority,
		Seq:       uint64(row.Seq),
		State:     domain.JobState(row.State),
		Attempts:  row.Attempts,
		QueuedAt:  fromMillis(row.QueuedAt),
		StartedAt: fromMillis(row.StartedAt),
		EndedAt:   fromMillis(row.EndedAt),
	}
	if err := json.Unmarshal([]byte(row.Args), &job.Command.Args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Metadata), &job.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	job.Result = &domain.Result{
		ExitCode:  row.ExitCode,
		Stdout:    row.Stdout,
		Stderr:    row.Stderr,
		Error:     row.Error,
		TimedOut:  row.TimedOut != 0,
		Category:  row.ErrorCategory,
		QueuedAt:  job.QueuedAt,
		StartedAt: job.StartedAt,
		EndedAt:   job.EndedAt,
	}
	return job, nil
}

// Save upserts a job by id.
func (r *JobRepo) Save(ctx context.Context, job *domain.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES (:id, :program, :args, :dir, :timeout_ms, :priority, :state, :attempts, :exit_code,
			:timed_out, :error, :error_category, :stdout, :stderr, :metadata, :seq, :queued_at,
			:started_at, :ended_at)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			exit_code = excluded.exit_code,
			timed_out = excluded.timed_out,
			error = excluded.error,
			error_category = excluded.error_category,
			stdout = excluded.stdout,
			stderr = excluded.stderr,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return row.toJob()
}

// List returns matching jobs, most recently ended first.
func (r *JobRepo) List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	var (
		conds []string
		args  []any
	)
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Program != "" {
		conds = append(conds, "program = ?")
		args = append(args, filter.Program)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ended_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, filter.EffectiveLimit(), max(filter.Offset, 0))

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", row.ID, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CountByState returns the number of stored jobs per state.
func (r *JobRepo) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	var rows []struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS count FROM jobs GROUP BY state`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := make(map[domain.JobState]int, len(rows))
	for _, row := range rows {
		counts[domain.JobState(row.State)] = row.Count
	}
	return counts, nil
}

// DeleteBefore removes jobs that ended before the given time.
func (r *JobRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM jobs WHERE ended_at < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	return res.RowsAffected()
}
