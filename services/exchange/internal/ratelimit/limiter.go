package ratelimit

import (
	"context"
	"time"
)

// Limiter admits at most a fixed number of requests per key within a window.
// RetryAfter is meaningful only when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}
