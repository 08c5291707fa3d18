package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces repeated attempts against a shared backend using the
// token bucket algorithm from golang.org/x/time/rate.
//
// The lock service uses one limiter per acquisition attempt so that a caller
// waiting on a contended lock polls the record store at a bounded rate instead
// of hammering it:
//  1. The first Burst attempts go through immediately
//  2. Every following attempt waits for a token (one per interval)
//  3. Wait returns early with the context error on cancellation or deadline
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// Every creates a limiter that releases one token per interval with the given
// burst capacity.
//
// Special cases:
//   - interval <= 0: no pacing (every attempt allowed)
//   - burst < 1: treated as 1
//
// Example:
//
//	// Poll at most every 50ms, first attempt immediate
//	limiter := Every(50*time.Millisecond, 1)
func Every(interval time.Duration, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}

	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	return &RateLimiter{
		limiter:  rate.NewLimiter(limit, burst),
		interval: interval,
	}
}

// Allow reports whether an attempt may proceed right now, consuming a token
// if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until the next attempt may proceed or the context is done.
//
// Returns:
//   - nil if a token was acquired
//   - context error if the context was cancelled, or would expire before a
//     token becomes available
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Delay reserves the next token and returns how long the caller must wait
// before using it. Unlike Wait it does not block, so callers can select on
// the delay together with other wakeup sources:
//
//	select {
//	case <-time.After(limiter.Delay()):
//	case <-released:
//	case <-ctx.Done():
//	}
func (r *RateLimiter) Delay() time.Duration {
	return r.limiter.Reserve().Delay()
}

// Interval returns the configured pacing interval (0 means unpaced).
func (r *RateLimiter) Interval() time.Duration {
	return r.interval
}

// Tokens returns the current number of available tokens.
//
// This is primarily useful for monitoring and debugging.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
