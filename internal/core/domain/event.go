package domain

import "maps"

// EventKind names a lifecycle event on the wire.
type EventKind string

const (
	EventJobQueued    EventKind = "job:queued"
	EventJobStarted   EventKind = "job:started"
	EventJobProgress  EventKind = "job:progress"
	EventJobCompleted EventKind = "job:completed"
	EventJobFailed    EventKind = "job:failed"
	EventJobCancelled EventKind = "job:cancelled"
	EventQueueEmpty   EventKind = "queue:empty"
)

// Event is implemented by every lifecycle event struct below.
type Event interface {
	Kind() EventKind
	// JobID is empty for queue-level events.
	JobID() string
}

// JobQueued is emitted once a submission is accepted.
type JobQueued struct {
	Job *Job `json:"job"`
}

// JobStarted is emitted when a job claims a concurrency slot.
type JobStarted struct {
	Job *Job `json:"job"`
}

// JobProgress carries one line of output from a running job.
type JobProgress struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Output   string         `json:"output"`
	IsError  bool           `json:"is_error"`
}

// JobCompleted is emitted when a job exits successfully.
type JobCompleted struct {
	Job *Job `json:"job"`
}

// JobFailed is emitted on non-zero exit, timeout or execution error.
type JobFailed struct {
	Job   *Job   `json:"job"`
	Error string `json:"error"`
}

// JobCancelled is emitted when a pending job is removed or a running job has stopped.
type JobCancelled struct {
	Job *Job `json:"job"`
}

// QueueEmpty is emitted when no jobs are pending or running.
type QueueEmpty struct{}

func (JobQueued) Kind() EventKind    { return EventJobQueued }
func (JobStarted) Kind() EventKind   { return EventJobStarted }
func (JobProgress) Kind() EventKind  { return EventJobProgress }
func (JobCompleted) Kind() EventKind { return EventJobCompleted }
func (JobFailed) Kind() EventKind    { return EventJobFailed }
func (JobCancelled) Kind() EventKind { return EventJobCancelled }
func (QueueEmpty) Kind() EventKind   { return EventQueueEmpty }

func (e JobQueued) JobID() string    { return e.Job.ID }
func (e JobStarted) JobID() string   { return e.Job.ID }
func (e JobProgress) JobID() string  { return e.ID }
func (e JobCompleted) JobID() string { return e.Job.ID }
func (e JobFailed) JobID() string    { return e.Job.ID }
func (e JobCancelled) JobID() string { return e.Job.ID }
func (QueueEmpty) JobID() string     { return "" }

// TerminalJob returns the job snapshot carried by a terminal event, or nil.
func TerminalJob(e Event) *Job {
	switch ev := e.(type) {
	case JobCompleted:
		return ev.Job
	case JobFailed:
		return ev.Job
	case JobCancelled:
		return ev.Job
	default:
		return nil
	}
}

// EventMetadata returns the caller metadata attached to the event's job.
func EventMetadata(e Event) map[string]any {
	switch ev := e.(type) {
	case JobQueued:
		return maps.Clone(ev.Job.Metadata)
	case JobStarted:
		return maps.Clone(ev.Job.Metadata)
	case JobProgress:
		return maps.Clone(ev.Metadata)
	default:
		if j := TerminalJob(e); j != nil {
			return maps.Clone(j.Metadata)
		}
		return nil
	}
}

// Envelope is the wire form used by broadcast sinks.
type Envelope struct {
	Kind  EventKind `json:"kind"`
	JobID string    `json:"job_id,omitempty"`
	Data  Event     `json:"data"`
}

// Wrap builds an Envelope for e.
func Wrap(e Event) Envelope {
	return Envelope{Kind: e.Kind(), JobID: e.JobID(), Data: e}
}
