package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is matched by every rejection from an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned instead of calling the protected operation.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.Name == "" {
		return ErrCircuitOpen.Error()
	}
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// BreakerConfig configures a Breaker. Zero values take the defaults below.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures that trip the breaker (default 5)
	SuccessThreshold int           // consecutive half-open successes that close it (default 2)
	ResetTimeout     time.Duration // open duration before probing (default 60s)
	HalfOpenMaxCalls int           // concurrent probes in half-open (default SuccessThreshold)

	// IsFailure decides whether an error counts against the breaker.
	// By default every error except context.Canceled does.
	IsFailure func(err error) bool

	OnOpen     func(name string)
	OnHalfOpen func(name string)
	OnClose    func(name string)

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// DefaultBreakerConfig provides sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitzero"`
}

// Breaker is a three-state circuit breaker. Time-based transitions are evaluated
// lazily on the next CanExecute or Execute call; it runs no goroutines.
// State and Snapshot report the effective state without applying them.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	inFlight    int    // half-open probes currently running
	generation  uint64 // bumped on every transition; outcomes from older generations are dropped

	onTransition func(name string, from, to State)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Name returns the configured name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the effective state. An open breaker whose reset timeout has
// elapsed reports half-open, but stays open until the next call attempt.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveLocked()
}

// Snapshot returns state and counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:                 b.cfg.Name,
		State:                b.effectiveLocked(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailure:          b.lastFailure,
	}
}

// CanExecute reports whether a call would be let through right now.
// An open breaker whose reset timeout has elapsed moves to half-open here.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	fire := b.advanceLocked()
	ok := b.state == StateClosed ||
		(b.state == StateHalfOpen && b.inFlight < b.cfg.HalfOpenMaxCalls)
	b.mu.Unlock()
	fire()
	return ok
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := b.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(err, t)
	return err
}

// Call is Execute for operations with a result.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	t, err := b.acquire()
	if err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	b.record(err, t)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// Trip forces the breaker open.
func (b *Breaker) Trip() {
	b.mu.Lock()
	from := b.state
	b.state = StateOpen
	b.lastFailure = b.cfg.Now()
	b.successes = 0
	b.inFlight = 0
	b.generation++
	b.mu.Unlock()
	b.notify(from, StateOpen)
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	b.lastFailure = time.Time{}
	b.generation++
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

// ticket identifies an admitted call: whether it is a half-open probe and the
// generation it was admitted in.
type ticket struct {
	probe      bool
	generation uint64
}

func (b *Breaker) acquire() (ticket, error) {
	b.mu.Lock()
	fire := b.advanceLocked()
	t := ticket{generation: b.generation}
	switch b.state {
	case StateOpen:
		remaining := b.cfg.ResetTimeout - b.cfg.Now().Sub(b.lastFailure)
		b.mu.Unlock()
		fire()
		return ticket{}, &CircuitOpenError{Name: b.cfg.Name, RetryAfter: max(remaining, 0)}
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			fire()
			return ticket{}, &CircuitOpenError{Name: b.cfg.Name}
		}
		b.inFlight++
		t.probe = true
	}
	b.mu.Unlock()
	fire()
	return t, nil
}

func (b *Breaker) record(err error, t ticket) {
	b.mu.Lock()
	if t.generation != b.generation {
		// Admitted before the last transition; its window is gone.
		b.mu.Unlock()
		return
	}
	probe := t.probe
	if probe && b.inFlight > 0 {
		b.inFlight--
	}
	from := b.state
	to := from

	failed := err != nil && b.cfg.IsFailure(err)
	switch {
	case err != nil && !failed:
		// not counted either way
	case b.state == StateClosed && failed:
		b.failures++
		b.lastFailure = b.cfg.Now()
		if b.failures >= b.cfg.FailureThreshold {
			to = StateOpen
		}
	case b.state == StateClosed:
		b.failures = 0
	case b.state == StateHalfOpen && probe && failed:
		b.failures = 0
		b.successes = 0
		b.lastFailure = b.cfg.Now()
		to = StateOpen
	case b.state == StateHalfOpen && probe:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.lastFailure = time.Time{}
			to = StateClosed
		}
	}
	b.state = to
	if to != from {
		b.generation++
	}
	if to == StateOpen {
		b.inFlight = 0
	}
	b.mu.Unlock()
	b.notify(from, to)
}

// advanceLocked applies the open -> half-open timeout transition and returns
// the callback to fire once the lock is released.
func (b *Breaker) advanceLocked() func() {
	if b.state != StateOpen || b.cfg.Now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
		return func() {}
	}
	b.state = StateHalfOpen
	b.successes = 0
	b.inFlight = 0
	b.generation++
	return func() { b.notify(StateOpen, StateHalfOpen) }
}

// effectiveLocked is the state advanceLocked would produce, without applying it.
func (b *Breaker) effectiveLocked() State {
	if b.state == StateOpen && b.cfg.Now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		if b.cfg.OnOpen != nil {
			b.cfg.OnOpen(b.cfg.Name)
		}
	case StateHalfOpen:
		if b.cfg.OnHalfOpen != nil {
			b.cfg.OnHalfOpen(b.cfg.Name)
		}
	case StateClosed:
		if b.cfg.OnClose != nil {
			b.cfg.OnClose(b.cfg.Name)
		}
	}
	if b.onTransition != nil {
		b.onTransition(b.cfg.Name, from, to)
	}
}
