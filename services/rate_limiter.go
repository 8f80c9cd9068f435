// services/rate_limiter.go
package services

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the process-wide token bucket in front of every CRM call —
// scheduled syncs and ad-hoc write-backs queue on the same bucket.
// Acquire blocks until a permit is free; it never fails except on ctx cancel.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter refills permitsPerMinute evenly over the minute, with a
// bucket capacity of burst.
func NewRateLimiter(permitsPerMinute int, burst int) *RateLimiter {
	if permitsPerMinute <= 0 {
		permitsPerMinute = 60
	}
	if burst <= 0 {
		burst = permitsPerMinute
	}
	interval := time.Minute / time.Duration(permitsPerMinute)
	return &RateLimiter{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Acquire suspends the caller until a permit is available.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
