package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vietddude/conductor/internal/core/domain"
)

// DefaultEventsChannel is used when Config.EventsChannel is empty.
const DefaultEventsChannel = keyPrefix + "events"

// progressBuffer bounds the progress lines waiting to be published.
const progressBuffer = 256

// EventPublisher forwards scheduler events to a Redis channel as JSON
// envelopes and records failed jobs when a repository is attached.
//
// Lifecycle events are published from Handle. Progress lines are handed to
// Run through a bounded buffer and dropped when it is full, so they may reach
// the channel after their job's terminal event.
type EventPublisher struct {
	client   *Client
	channel  string
	failed   *FailedJobRepo
	timeout  time.Duration
	progress chan domain.JobProgress
}

// NewEventPublisher creates a publisher. failed may be nil.
func NewEventPublisher(client *Client, channel string, failed *FailedJobRepo) *EventPublisher {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	return &EventPublisher{
		client:   client,
		channel:  channel,
		failed:   failed,
		timeout:  2 * time.Second,
		progress: make(chan domain.JobProgress, progressBuffer),
	}
}

// Channel returns the channel events are published to.
func (p *EventPublisher) Channel() string {
	return p.channel
}

// Publish sends one event.
func (p *EventPublisher) Publish(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(domain.Wrap(e))
	if err != nil {
		return err
	}
	return p.client.rdb.Publish(ctx, p.channel, data).Err()
}

// Run publishes buffered progress lines until ctx is done, then makes one
// bounded attempt at whatever is left.
func (p *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case e := <-p.progress:
			p.publishProgress(context.WithoutCancel(ctx), e)
		case <-ctx.Done():
			p.flush()
			return
		}
	}
}

func (p *EventPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case e := <-p.progress:
			p.publishProgress(ctx, e)
		default:
			return
		}
	}
}

func (p *EventPublisher) publishProgress(ctx context.Context, e domain.JobProgress) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.Publish(ctx, e); err != nil {
		slog.Debug("Failed to publish progress", "job", e.ID, "error", err)
	}
}

// Handle is a scheduler event handler. Errors are logged, never returned.
func (p *EventPublisher) Handle(e domain.Event) {
	if ev, ok := e.(domain.JobProgress); ok {
		select {
		case p.progress <- ev:
		default:
			slog.Debug("Dropping progress event, publisher is behind", "job", ev.ID)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.Publish(ctx, e); err != nil {
		slog.Warn("Failed to publish event", "event", e.Kind(), "job", e.JobID(), "error", err)
	}

	if p.failed == nil {
		return
	}
	switch ev := e.(type) {
	case domain.JobFailed:
		if err := p.failed.Add(ctx, ev.Job); err != nil {
			slog.Warn("Failed to record failed job", "job", ev.Job.ID, "error", err)
		}
	case domain.JobQueued:
		// A resubmitted job leaves the failure log.
		if from, ok := ev.Job.Metadata["resubmitted_from"].(string); ok {
			if err := p.failed.Remove(ctx, from); err != nil {
				slog.Warn("Failed to clear resubmitted job", "job", from, "error", err)
			}
		}
	}
}
