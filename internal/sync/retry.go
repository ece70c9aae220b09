package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/civicmap/civicmap/server/internal/metrics"
	"github.com/civicmap/civicmap/server/internal/model"
)

// retryBaseDelay is the unit of the linear backoff; tests shrink it.
var retryBaseDelay = time.Second

// RequestWithRetry calls fn until it succeeds, sleeping attempt-number
// seconds between attempts (attempt 1 -> 1s, attempt 2 -> 2s, ...).
// Upstream municipal feeds are frequently rate-limited or flaky; the
// linear backoff bounds the total wait while giving transient issues
// room to clear. When every attempt fails the result wraps
// model.ErrNoResponse and the run must be aborted by the caller.
func RequestWithRetry[T any](ctx context.Context, fn func() (T, error), maxAttempts int) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		metrics.UpstreamRetriesCounter.Inc()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBaseDelay):
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %v", model.ErrNoResponse, maxAttempts, lastErr)
}
