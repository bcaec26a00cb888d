package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically increments the key's window counter, creating
// it with a TTL of one window on first use. The TTL expiry IS the window
// reset — no explicit zeroing, so concurrent requests can never observe a
// half-reset counter.
// KEYS[1] = counter key
// ARGV[1] = window size in milliseconds
// Returns: the counter value after increment.
var fixedWindowScript = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
`)

const redisLimiterPrefix = "ratelimit:key:"

// RedisLimiter is a fixed-window limiter shared across gateway replicas.
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter creates a RedisLimiter over an existing client.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// Allow implements Limiter. When Redis is unavailable the request is allowed
// (graceful degradation — rate limiting protects cost, it must not become a
// single point of failure).
func (l *RedisLimiter) Allow(ctx context.Context, apiKeyID string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	count, err := fixedWindowScript.Run(ctx, l.rdb,
		[]string{redisLimiterPrefix + apiKeyID},
		window.Milliseconds(),
	).Int()
	if err != nil {
		return true, nil
	}

	return count <= limit, nil
}
