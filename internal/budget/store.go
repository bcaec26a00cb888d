// Package budget tracks per-API-key spend against daily and monthly caps.
//
// Spend lives in buckets keyed by (api key, UTC calendar day) and (api key,
// UTC calendar month). Rollover is implicit: a new day or month produces a
// new bucket key, so there is no reset step for concurrent requests to race
// against. Bucket values only ever grow.
//
// The CounterStore interface separates the bucket arithmetic from its home:
// MemoryStore for a single process, RedisStore shared across replicas.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is a monotonically growing float counter per bucket key.
type CounterStore interface {
	// Add atomically adds amount to bucket and returns the new total.
	// Buckets are created on first use and retained for at least ttl.
	Add(ctx context.Context, bucket string, amount float64, ttl time.Duration) (float64, error)
	// Get returns the bucket's current total, zero when absent.
	Get(ctx context.Context, bucket string) (float64, error)
}

// MemoryStore is an in-process CounterStore. TTLs are tracked so stale
// buckets (yesterday's days, last year's months) can be reclaimed by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	now     func() time.Time
}

type memBucket struct {
	value     float64
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*memBucket),
		now:     time.Now,
	}
}

// Add implements CounterStore.
func (s *MemoryStore) Add(_ context.Context, bucket string, amount float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		b = &memBucket{expiresAt: s.now().Add(ttl)}
		s.buckets[bucket] = b
	}
	b.value += amount
	return b.value, nil
}

// Get implements CounterStore.
func (s *MemoryStore) Get(_ context.Context, bucket string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[bucket]; ok {
		return b.value, nil
	}
	return 0, nil
}

// Sweep removes buckets past their retention. Call periodically from a
// background goroutine.
func (s *MemoryStore) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range s.buckets {
		if now.After(b.expiresAt) {
			delete(s.buckets, k)
		}
	}
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RedisStore is a CounterStore on Redis, shared across gateway replicas.
// INCRBYFLOAT gives atomic cross-instance accumulation; the TTL is attached
// when the bucket is created so rolled-over buckets expire on their own.
type RedisStore struct {
	rdb *redis.Client
}

// addScript increments the bucket and pins its TTL on first write.
// KEYS[1] = bucket key
// ARGV[1] = amount
// ARGV[2] = ttl in milliseconds
var addScript = redis.NewScript(`
		local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
		if redis.call('PTTL', KEYS[1]) < 0 then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return total
`)

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Add implements CounterStore.
func (s *RedisStore) Add(ctx context.Context, bucket string, amount float64, ttl time.Duration) (float64, error) {
	return addScript.Run(ctx, s.rdb, []string{bucket}, amount, ttl.Milliseconds()).Float64()
}

// Get implements CounterStore.
func (s *RedisStore) Get(ctx context.Context, bucket string) (float64, error) {
	val, err := s.rdb.Get(ctx, bucket).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}
