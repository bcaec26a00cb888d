package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisTimeout = 500 * time.Millisecond
	redisKeyPrefix      = "gwcache:"
)

// RedisCache is a Redis-backed Cache shared across gateway replicas.
//
// TTL expiry is delegated to Redis; the aggregate size bound is delegated to
// the server's maxmemory / allkeys-lru policy, which implements the same
// least-recently-used discipline as MemoryCache.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Put returns nil even on error so the request path never blocks on a
//     cache malfunction.
//   - Delete returns the underlying error so callers can log it.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCacheFromClient wraps an existing Redis client. The caller owns
// the client lifecycle.
func NewRedisCacheFromClient(cli *redis.Client) *RedisCache {
	return &RedisCache{client: cli, queryTimeout: defaultRedisTimeout}
}

// NewRedisCacheFromURL parses redisURL, creates a client, and verifies the
// connection with a PING.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisCache{client: cli, queryTimeout: defaultRedisTimeout}, nil
}

// Get retrieves the payload for fingerprint.
// Returns (payload, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Put stores payload under fingerprint with the given TTL.
// Returns nil even on Redis error — graceful degradation keeps the gateway
// functioning when the cache layer is unavailable.
func (c *RedisCache) Put(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, redisKeyPrefix+fingerprint, payload, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_put_error",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes fingerprint from Redis.
func (c *RedisCache) Delete(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, redisKeyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", fingerprint, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
