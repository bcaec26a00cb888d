// Package ratelimit implements per-API-key fixed-window request counting.
//
// Fixed windows trade smoothness for O(1) bookkeeping: each key holds one
// counter and one window start, reset lazily on the first request after the
// window elapses. Windows are short (seconds to minutes) relative to the
// burst tolerance operators need, so the boundary burst of a sliding window
// is not worth the extra state.
//
// Two backends: MemoryLimiter for single-process deployments and
// RedisLimiter for multi-replica ones.
package ratelimit

import (
	"context"
	"time"
)

// Limiter admits or denies one request for apiKeyID against limit requests
// per window.
type Limiter interface {
	// Allow increments the key's counter for the current window and reports
	// whether the request is within limit. The error is advisory: backends
	// degrade to allowing traffic when their store is unreachable.
	Allow(ctx context.Context, apiKeyID string, limit int, window time.Duration) (bool, error)
}
