package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Jitter band applied around the computed delay.
const (
	jitterMin = 0.9
	jitterMax = 1.1
)

// jitterFactor is swapped in tests.
var jitterFactor = func() float64 {
	return jitterMin + rand.Float64()*(jitterMax-jitterMin)
}

// Backoff computes base * multiplier^attempt clamped to maxDelay.
// Attempt 0 yields base. A maxDelay of zero disables the clamp and a multiplier
// of zero or less falls back to 2. With jitter the result is scaled by a
// uniform factor in [0.9, 1.1]; attempt 0 is never jittered.
func Backoff(attempt int, base, maxDelay time.Duration, multiplier float64, jitter bool) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter && attempt > 0 {
		delay *= jitterFactor()
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
