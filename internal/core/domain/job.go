package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Priority is one of four ordered scheduling tiers. The zero value means
// "unset" and is replaced by the scheduler's default tier.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Rank returns the ordering weight of the tier; higher runs first.
func (p Priority) Rank() int {
	return int(p)
}

// Valid reports whether p is one of the four known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a tier name. An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Command describes the external program a job runs.
type Command struct {
	Program string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout"`
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// Clone returns a deep copy.
func (c Command) Clone() Command {
	c.Args = slices.Clone(c.Args)
	c.Env = maps.Clone(c.Env)
	return c
}

// ExecResult is what the command-execution capability reports for one run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Result is attached to a job when it enters a terminal state. Category is
// "circuit_open" for breaker rejections, otherwise the failure classification.
type Result struct {
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Error     string    `json:"error,omitempty"`
	TimedOut  bool      `json:"timed_out"`
	Category  string    `json:"error_category,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration returns how long the job ran, zero if it never started.
func (r *Result) Duration() time.Duration {
	if r == nil || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Job is a unit of work owned by the scheduler.
type Job struct {
	ID        string         `json:"id"`
	Command   Command        `json:"command"`
	Priority  Priority       `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Seq       uint64         `json:"seq"`
	State     JobState       `json:"state"`
	Attempts  int            `json:"attempts"`
	Result    *Result        `json:"result,omitempty"`
	QueuedAt  time.Time      `json:"queued_at"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	EndedAt   time.Time      `json:"ended_at,omitzero"`
}

// Clone returns a copy safe to hand out of the scheduler.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Command = j.Command.Clone()
	c.Metadata = maps.Clone(j.Metadata)
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}
