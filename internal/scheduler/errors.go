package scheduler

import "errors"

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyTerminal is returned when acting on a finished job.
	ErrAlreadyTerminal = errors.New("job already finished")

	// ErrInvalidJob is returned when a submission fails validation.
	ErrInvalidJob = errors.New("invalid job")

	// ErrDuplicateJob is returned when a caller-supplied id is already in use.
	ErrDuplicateJob = errors.New("job id already exists")

	// ErrWaitTimeout is returned when WaitForJob's deadline passes first.
	ErrWaitTimeout = errors.New("timed out waiting for job")

	// ErrWaitCancelled is returned when the awaited job ended cancelled.
	ErrWaitCancelled = errors.New("job was cancelled")

	// ErrNotResubmittable is returned when resubmitting a job that did not fail or get cancelled.
	ErrNotResubmittable = errors.New("only failed or cancelled jobs can be resubmitted")

	// ErrInvalidConcurrency is returned for a concurrency bound below one.
	ErrInvalidConcurrency = errors.New("max concurrent must be at least 1")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler is closed")
)
