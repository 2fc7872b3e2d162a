package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/conductor/internal/ratelimit"
)

// slidingWindow trims, counts and records in one atomic step.
// KEYS[1] window key; ARGV now_ms, window_ms, limit, member.
// Returns {allowed, remaining, retry_after_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', tostring(now - window))
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, ARGV[1], ARGV[4])
  redis.call('PEXPIRE', key, ARGV[2])
  return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, '0', '0', 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RateLimiter is a ratelimit.Limiter shared by every instance using the same Redis.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)

// NewRateLimiter allows limit requests per window for each key.
func NewRateLimiter(client *Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:    client.rdb,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func rateKey(key string) string {
	return keyPrefix + "ratelimit:" + key
}

// Allow records the request if it fits the window.
func (l *RateLimiter) Allow(ctx context.Context, key string) (ratelimit.Decision, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.rdb, []string{rateKey(key)},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(l.window.Milliseconds(), 10),
		strconv.Itoa(l.limit),
		strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	return ratelimit.Decision{
		Allowed:    res[0] == 1,
		Limit:      l.limit,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
