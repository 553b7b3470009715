// Package ratelimit implements the two limiter shapes every remote-backend
// call passes through before reaching the network: a token bucket for
// bursty per-key/global limits, and a windowed limiter for "N completions
// per rolling interval" quota accounting. Neither has a Run method of its
// own: a Dispatcher (NewTokenBucketDispatcher / NewWindowedDispatcher)
// gives either one the same Run(ctx, priority, fn) surface.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// pollCap bounds how long TakeAsync sleeps between retries while waiting
// for tokens to refill.
const pollCap = time.Second

// TokenBucket is a refill-on-demand limiter with capacity and fillRate.
// The refill math is delegated to golang.org/x/time/rate so the bucket
// can't drift the way a hand-rolled CAS loop can.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket that holds at most capacity tokens and
// refills at fillRate tokens/second.
func NewTokenBucket(capacity int, fillRate float64) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(fillRate), capacity),
	}
}

// Take attempts to consume n tokens without blocking. Returns false
// immediately if n tokens aren't currently available.
func (tb *TokenBucket) Take(n int) bool {
	return tb.limiter.AllowN(time.Now(), n)
}

// TakeAsync suspends the caller until n tokens are available (or ctx is
// cancelled), polling at an interval computed from the shortfall and the
// fill rate, capped at pollCap.
func (tb *TokenBucket) TakeAsync(ctx context.Context, n int) error {
	for {
		if tb.limiter.AllowN(time.Now(), n) {
			return nil
		}

		wait := tb.waitEstimate(n)
		if wait > pollCap {
			wait = pollCap
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitEstimate computes (n - currentTokens) / fillRate, the per-retry
// wait formula. rate.Limiter doesn't expose current tokens directly, so
// Reserve()+Cancel() is used to read the delay it would itself apply
// without consuming anything.
func (tb *TokenBucket) waitEstimate(n int) time.Duration {
	res := tb.limiter.ReserveN(time.Now(), n)
	defer res.Cancel()
	if !res.OK() {
		return pollCap
	}
	return res.DelayFrom(time.Now())
}
