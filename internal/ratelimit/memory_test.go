package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// testClock is an injectable clock advanced manually by tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*MemoryLimiter, *testClock) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter()
	l.now = clk.Now
	return l, clk
}

// TestMemorySixthRequestDenied: limit=5, window=60s — requests 1-5 pass, the
// 6th is denied, and a request after the window elapses passes again.
func TestMemorySixthRequestDenied(t *testing.T) {
	l, clk := newTestLimiter()
	ctx := context.Background()
	const limit = 5
	window := 60 * time.Second

	for i := 0; i < limit; i++ {
		allowed, err := l.Allow(ctx, "key-1", limit, window)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, err := l.Allow(ctx, "key-1", limit, window)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("6th request within the window should be denied")
	}

	clk.Advance(window)

	allowed, err = l.Allow(ctx, "key-1", limit, window)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("request after window elapsed should be allowed")
	}
}

// TestMemoryKeysAreIndependent verifies one key's exhaustion never affects
// another key.
func TestMemoryKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()
	window := time.Minute

	for i := 0; i < 3; i++ {
		if allowed, _ := l.Allow(ctx, "busy", 2, window); i < 2 != allowed {
			t.Fatalf("busy key request %d: allowed=%v", i+1, allowed)
		}
	}

	if allowed, _ := l.Allow(ctx, "quiet", 2, window); !allowed {
		t.Fatal("quiet key should be unaffected by busy key")
	}
}

// TestMemoryIdleKeyStartsFreshWindow verifies lazy reset: a key silent for
// longer than the window is not penalized for its old count.
func TestMemoryIdleKeyStartsFreshWindow(t *testing.T) {
	l, clk := newTestLimiter()
	ctx := context.Background()
	window := 10 * time.Second

	for i := 0; i < 2; i++ {
		l.Allow(ctx, "k", 2, window)
	}
	clk.Advance(3 * window)

	for i := 0; i < 2; i++ {
		if allowed, _ := l.Allow(ctx, "k", 2, window); !allowed {
			t.Fatalf("request %d in the fresh window should be allowed", i+1)
		}
	}
}

func TestMemoryZeroLimitDisables(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 100; i++ {
		if allowed, _ := l.Allow(context.Background(), "k", 0, time.Minute); !allowed {
			t.Fatal("limit 0 must disable limiting")
		}
	}
}

func TestMemorySweepReclaimsIdleCounters(t *testing.T) {
	l, clk := newTestLimiter()
	ctx := context.Background()

	l.Allow(ctx, "old", 5, time.Minute)
	clk.Advance(time.Hour)
	l.Allow(ctx, "fresh", 5, time.Minute)

	l.Sweep(30 * time.Minute)

	if got := l.Len(); got != 1 {
		t.Fatalf("Len after sweep = %d, want 1", got)
	}
}

// TestMemoryConcurrentSameKey hammers one key from many goroutines and
// verifies exactly limit requests are admitted.
func TestMemoryConcurrentSameKey(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()
	const limit = 50
	const attempts = 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := l.Allow(ctx, "hot", limit, time.Minute); allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("admitted %d requests, want exactly %d", admitted, limit)
	}
}
