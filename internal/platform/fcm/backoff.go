package fcm

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retries for rate-limited and transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = def.MaxDelay
		if p.MaxDelay < p.BaseDelay {
			p.MaxDelay = p.BaseDelay
		}
	}
	return p
}

// jitterBackOff is an "equal jitter" exponential schedule: the n-th delay is
// drawn from [d/2, d) with d = base*2^n capped at max. Below the cap each
// delay is strictly greater than the previous one, including after a
// Retry-After floor lifted a delay above the exponential curve.
type jitterBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	// floor is a server-requested minimum for the next delay (Retry-After).
	floor time.Duration
	last  time.Duration
}

var _ backoff.BackOff = (*jitterBackOff)(nil)

func newJitterBackOff(p RetryPolicy) *jitterBackOff {
	return &jitterBackOff{base: p.BaseDelay, max: p.MaxDelay}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	d := b.max
	if b.attempt < 32 {
		if scaled := b.base << b.attempt; scaled > 0 && scaled < b.max {
			d = scaled
		}
	}
	b.attempt++

	half := d / 2
	wait := half
	if half > 0 {
		wait += time.Duration(rand.Int64N(int64(half)))
	}
	wait = max(wait, b.floor, b.last+1)
	wait = min(wait, b.max)
	b.floor = 0
	b.last = wait
	return wait
}

func (b *jitterBackOff) Reset() {
	b.attempt = 0
	b.floor = 0
	b.last = 0
}
