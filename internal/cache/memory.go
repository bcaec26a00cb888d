// Package cache provides fingerprint-keyed response caching.
//
// Two backends are available:
//   - MemoryCache — in-process, size-bounded LRU with per-entry TTL.
//     Ideal for single-instance deployments; zero external dependencies.
//   - RedisCache — Redis-backed, shared across replicas.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

// memEntry is one live cache entry. Entries are never mutated in place —
// a Put under an existing fingerprint removes the old entry and inserts a
// fresh one.
type memEntry struct {
	fingerprint string
	payload     []byte
	sizeBytes   int64
	expiresAt   time.Time
}

// MemoryCache is a size-bounded in-process cache with per-entry TTL.
//
// Size pressure evicts entries in ascending last-access order (LRU). An
// entry larger than the whole budget is still admitted — writes are never
// hard-rejected — but is flagged and removed on the next write.
//
// Safe for concurrent use. A background sweep removes expired entries
// independently of size pressure; expired entries are also dropped lazily
// on access.
type MemoryCache struct {
	mu        sync.Mutex
	items     map[string]*list.Element // fingerprint → element in lru
	lru       *list.List               // front = most recently used
	totalSize int64
	maxSize   int64

	// oversized is the fingerprint of an entry admitted past the budget,
	// pending eviction on the next Put. Empty when none.
	oversized string

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache bounded to maxSizeBytes and starts
// the background TTL sweep. The sweep stops when ctx is cancelled or Close
// is called.
func NewMemoryCache(ctx context.Context, maxSizeBytes int64) *MemoryCache {
	c := &MemoryCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSizeBytes,
		done:    make(chan struct{}),
	}
	go c.sweep(ctx, defaultSweepInterval)
	return c
}

// Get returns the payload for fingerprint. Returns (nil, false) on a miss or
// when the entry has expired. A hit refreshes the entry's LRU position.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fingerprint]
	if !ok {
		return nil, false
	}

	e := el.Value.(*memEntry)
	if !time.Now().Before(e.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}

	c.lru.MoveToFront(el)
	return e.payload, true
}

// Put inserts payload under fingerprint with the given TTL, evicting
// least-recently-used entries until the new entry fits. Never returns an
// error and never rejects a write: a payload that exceeds the entire budget
// is admitted and flagged for eviction on the next write.
func (c *MemoryCache) Put(_ context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	size := int64(len(payload))

	c.mu.Lock()
	defer c.mu.Unlock()

	// A previous write blew the budget; reclaim it before anything else.
	if c.oversized != "" && c.oversized != fingerprint {
		if el, ok := c.items[c.oversized]; ok {
			c.removeLocked(el)
		}
		c.oversized = ""
	}

	// Replace rather than mutate any existing entry for this fingerprint.
	if el, ok := c.items[fingerprint]; ok {
		c.removeLocked(el)
	}

	for c.totalSize+size > c.maxSize && c.lru.Len() > 0 {
		c.removeLocked(c.lru.Back())
	}

	e := &memEntry{
		fingerprint: fingerprint,
		payload:     payload,
		sizeBytes:   size,
		expiresAt:   time.Now().Add(ttl),
	}
	c.items[fingerprint] = c.lru.PushFront(e)
	c.totalSize += size

	if c.totalSize > c.maxSize {
		c.oversized = fingerprint
	}

	return nil
}

// Delete removes fingerprint from the cache. Returns nil if absent.
func (c *MemoryCache) Delete(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[fingerprint]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// TotalSize returns the summed payload size of all live entries in bytes.
func (c *MemoryCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Close stops the background sweep goroutine.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// removeLocked unlinks el from both the map and the LRU list.
// Caller holds c.mu.
func (c *MemoryCache) removeLocked(el *list.Element) {
	e := el.Value.(*memEntry)
	c.lru.Remove(el)
	delete(c.items, e.fingerprint)
	c.totalSize -= e.sizeBytes
	if c.oversized == e.fingerprint {
		c.oversized = ""
	}
}

// sweep periodically removes expired entries, independent of size pressure.
func (c *MemoryCache) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for el := c.lru.Front(); el != nil; el = next {
		next = el.Next()
		if !now.Before(el.Value.(*memEntry).expiresAt) {
			c.removeLocked(el)
		}
	}
}
