package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// slidingWindowLua atomically drops expired entries, checks the window count,
// and records the request when allowed. Returns {allowed, current_count}.
const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, math.ceil(window / 1000))
    return {1, count + 1}
end
return {0, count}
`

// RateLimiter implements domain.RateLimiter with a sliding window over a
// Redis sorted set. The API surface uses it per client IP.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether a request under key fits the limit for the window,
// counting it when it does.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMicro()
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rateLimitKey(key)},
		now,
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
