package cache

import (
	"context"
	"time"
)

// Cache stores upstream response payloads keyed by request fingerprint.
//
// Implementations must fail open: a broken backend degrades to permanent
// misses rather than surfacing errors on the request path. The cache is a
// cost optimization, never a correctness requirement.
type Cache interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool)
	Put(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}
