package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// HonorRetryAfter raises the delay to a classified RetryAfter hint (capped at MaxDelay).
	HonorRetryAfter bool

	// ShouldRetry, when set, replaces classification. attempt is 0-indexed.
	ShouldRetry func(err error, attempt int) bool

	// OnRetry is called before each wait with the 1-based number of the failed attempt.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:   3,
	InitialDelay: 1 * time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// Delay returns the wait before the retry that follows the given 0-indexed attempt.
func (c RetryConfig) Delay(attempt int) time.Duration {
	return Backoff(attempt, c.InitialDelay, c.MaxDelay, c.Multiplier, c.Jitter)
}

func (c RetryConfig) retryable(err error, attempt int) (bool, Classified) {
	classified := Classify(err)
	if c.ShouldRetry != nil {
		return c.ShouldRetry(err, attempt), classified
	}
	return classified.Retryable, classified
}

// Retry runs op until it succeeds, returns a non-retryable error, or
// MaxRetries+1 attempts have been made. The last error is returned unchanged.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxRetries, 0) + 1

	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		ok, classified := cfg.retryable(err, attempt)
		if !ok || attempt+1 >= attempts {
			return zero, err
		}

		delay := cfg.Delay(attempt)
		if cfg.HonorRetryAfter && classified.RetryAfter > delay {
			delay = classified.RetryAfter
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt+1, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, errors.Join(err, classified.Err)
		}
	}
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
