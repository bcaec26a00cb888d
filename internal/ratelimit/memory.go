package ratelimit

import (
	"context"
	"sync"
	"time"
)

// counter is one key's live window. Mutated only under its shard's lock.
type counter struct {
	windowStart time.Time
	count       int
}

const shardCount = 32

// MemoryLimiter is an in-process fixed-window limiter.
//
// Counters are sharded by key so contention only arises between requests for
// the same key, never across keys. A key idle for longer than its window
// simply starts a fresh window on next use; Sweep reclaims long-idle
// counters to bound memory.
type MemoryLimiter struct {
	shards [shardCount]struct {
		mu       sync.Mutex
		counters map[string]*counter
	}
	now func() time.Time // injectable clock for tests
}

// NewMemoryLimiter creates a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{now: time.Now}
	for i := range l.shards {
		l.shards[i].counters = make(map[string]*counter)
	}
	return l
}

// Allow implements Limiter. A limit <= 0 disables limiting for the key.
func (l *MemoryLimiter) Allow(_ context.Context, apiKeyID string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	sh := &l.shards[fnv32(apiKeyID)%shardCount]
	now := l.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[apiKeyID]
	if !ok {
		c = &counter{windowStart: now}
		sh.counters[apiKeyID] = c
	}

	// Lazy reset: the window elapsed, start a fresh one at now.
	if now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.count = 0
	}

	c.count++
	return c.count <= limit, nil
}

// Sweep removes counters whose window started more than maxIdle ago. Call
// periodically from a background goroutine to bound memory for churning key
// sets.
func (l *MemoryLimiter) Sweep(maxIdle time.Duration) {
	cutoff := l.now().Add(-maxIdle)
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for k, c := range sh.counters {
			if c.windowStart.Before(cutoff) {
				delete(sh.counters, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of live counters across all shards.
func (l *MemoryLimiter) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.counters)
		sh.mu.Unlock()
	}
	return n
}

// fnv32 is the 32-bit FNV-1a hash, inlined to avoid an allocation per call.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
