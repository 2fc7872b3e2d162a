// Package ratelimit provides exact sliding-window request limiting.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Backends selectable in Config.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds rate limit configuration.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"` // allowed per window
	Window   time.Duration `yaml:"window"`
	Backend  string        `yaml:"backend"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Requests: 60,
		Window:   time.Minute,
		Backend:  BackendMemory,
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter admits or rejects a request for key. Counting is exact: the
// read-and-record step is atomic per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Memory is an in-process Limiter. A request is counted against every window
// (now-Window, now] it falls in.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory creates an in-process limiter allowing limit requests per window.
func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records the request if it fits the window.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)
	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= m.limit {
		m.hits[key] = hits
		retry := m.window
		if len(hits) > 0 {
			retry = hits[0].Sub(cutoff)
		}
		return Decision{Limit: m.limit, RetryAfter: retry}, nil
	}

	hits = append(hits, now)
	m.hits[key] = hits
	return Decision{Allowed: true, Limit: m.limit, Remaining: m.limit - len(hits)}, nil
}

// Prune drops keys with no hits inside the window.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.window)
	n := 0
	for key, hits := range m.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(m.hits, key)
			n++
		}
	}
	return n
}
