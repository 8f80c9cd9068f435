package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterConservation(t *testing.T) {
	// 600/min = 10/s, burst 5. Over a ~1s window the limiter must not hand
	// out more than burst + rate×window permits.
	limiter := NewRateLimiter(600, 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	granted := 0
	for {
		if err := limiter.Acquire(ctx); err != nil {
			break
		}
		granted++
	}

	assert.LessOrEqual(t, granted, 5+10+2, "limiter handed out too many permits")
	assert.Greater(t, granted, 5, "limiter should refill during the window")
}

func TestRateLimiterBlocksInsteadOfFailing(t *testing.T) {
	limiter := NewRateLimiter(60, 1) // 1/s after the single burst permit

	require.NoError(t, limiter.Acquire(context.Background()))

	start := time.Now()
	require.NoError(t, limiter.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond,
		"second acquire should have waited for a refill")
}

func TestRateLimiterRespectsContextCancel(t *testing.T) {
	limiter := NewRateLimiter(1, 1) // one permit a minute
	require.NoError(t, limiter.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Acquire(ctx))
}
