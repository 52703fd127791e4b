package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by every call to one dependency.
// A nil limiter, or one with a non-positive rate or burst, never blocks.
type RateLimiter struct {
	mu     sync.Mutex
	rate   time.Duration
	burst  int
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate, holding at most burst.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		rate:  rate,
		burst: burst,
		now:   time.Now,
		sleep: sleepWithContext,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// OnWait registers a hook invoked with the duration of every throttling pause.
func (r *RateLimiter) OnWait(fn func(time.Duration)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.onWait = fn
	r.mu.Unlock()
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		onWait := r.onWait
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if onWait != nil {
			onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}
