package scheduler

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/vietddude/conductor/internal/core/domain"
)

// Handler receives lifecycle events in publication order.
type Handler func(domain.Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus delivers events to handlers from a single goroutine. Publish never
// blocks: events are queued without bound, so a slow handler delays delivery
// but never stalls the scheduler.
type Bus struct {
	mu     sync.Mutex
	queue  []domain.Event
	subs   []subscription
	nextID int
	closed bool
	notify chan struct{}
	done   chan struct{}
	log    *slog.Logger
}

// NewBus starts a bus. Close it to stop the delivery goroutine.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    log,
	}
	go b.run()
	return b
}

// Publish queues e for delivery. It is a no-op after Close.
func (b *Bus) Publish(e domain.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// Close delivers any queued events, then stops the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.mu.Unlock()
			<-b.notify
			b.mu.Lock()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		subs := slices.Clone(b.subs)
		b.mu.Unlock()

		for _, e := range batch {
			for _, s := range subs {
				b.deliver(s.handler, e)
			}
		}
	}
}

func (b *Bus) deliver(h Handler, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event handler panicked", "event", e.Kind(), "job", e.JobID(), "panic", r)
		}
	}()
	h(e)
}
