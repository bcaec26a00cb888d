package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// CompleteWithRetry calls p.Complete up to maxAttempts times, backing off
// exponentially with jitter between attempts. Only transient failures are
// retried; 4xx upstream errors and context cancellation abort immediately.
//
// Streaming calls are never retried here: once the first chunk has been
// relayed the response is already partially written.
func CompleteWithRetry(ctx context.Context, p Provider, req *CompletionRequest, maxAttempts int) (*Completion, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			break
		}
	}

	return nil, fmt.Errorf("provider %s: %w", p.Name(), lastErr)
}

// backoffDelay returns the sleep before the given attempt (1-based):
// base*2^(attempt-1), capped, with up to 50% random jitter subtracted so
// concurrent retries spread out.
func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d - jitter
}

// IsRetryable reports whether an error should trigger another attempt.
//
//   - 5xx and 429 upstream errors → retryable (transient)
//   - context cancellation/deadline → NOT retryable (caller gave up)
//   - other 4xx upstream errors → NOT retryable (won't change on retry)
//   - unknown errors → retryable (conservative default)
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 429 || (status >= 500 && status < 600)
	}
	return true
}

// ClassifyError converts an error into a short category string used in log
// fields and metrics labels.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
