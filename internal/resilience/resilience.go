// Package resilience protects calls to unreliable external dependencies.
//
// It contains:
//   - Classify: maps a failure to a Category and a retry verdict
//   - Backoff: exponential delay with optional jitter
//   - Retry: repeated attempts driven by classification
//   - Breaker: three-state circuit breaker, and Registry for named breakers
//   - WithResilience: retry around a breaker-guarded call
package resilience

import (
	"context"
	"errors"
)

// WithResilience retries op according to cfg, running every attempt through
// breaker. A circuit rejection is returned at once without calling op and is
// never retried. A nil breaker degrades to plain Retry.
func WithResilience[T any](
	ctx context.Context,
	op func(ctx context.Context) (T, error),
	cfg RetryConfig,
	breaker *Breaker,
) (T, error) {
	if breaker == nil {
		return Retry(ctx, cfg, op)
	}

	inner := cfg
	inner.ShouldRetry = func(err error, attempt int) bool {
		if errors.Is(err, ErrCircuitOpen) {
			return false
		}
		if cfg.ShouldRetry != nil {
			return cfg.ShouldRetry(err, attempt)
		}
		return Classify(err).Retryable
	}

	return Retry(ctx, inner, func(ctx context.Context) (T, error) {
		return Call(ctx, breaker, op)
	})
}
