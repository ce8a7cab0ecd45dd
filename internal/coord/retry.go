package coord

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// RetryPolicy bounds how often and how long transient backend failures are
// retried at the point of use.
type RetryPolicy struct {
	// Attempts includes the first call. Zero means 5.
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// RatePerSec caps retries across every caller sharing the Retry so an
	// outage does not turn into a retry storm. Zero means 20.
	RatePerSec float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 5
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.RatePerSec <= 0 {
		p.RatePerSec = 20
	}
	return p
}

// Retry executes coordination calls, retrying ErrUnavailable with jittered
// exponential backoff. It is safe for concurrent use.
type Retry struct {
	policy  RetryPolicy
	limiter *rate.Limiter
}

func NewRetry(p RetryPolicy) *Retry {
	p = p.withDefaults()
	burst := int(p.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Retry{policy: p, limiter: rate.NewLimiter(rate.Limit(p.RatePerSec), burst)}
}

func (r *Retry) Policy() RetryPolicy { return r.policy }

// Do calls fn until it succeeds, fails with something other than
// ErrUnavailable, or attempts run out. Context cancellation while waiting is
// reported as ErrInterrupted.
func (r *Retry) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}
	backoff := r.policy.Base
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		if attempt >= r.policy.Attempts {
			return err
		}

		wait := backoff
		if j := int64(wait) / 5; j > 0 {
			wait += time.Duration(rand.Int63n(j + 1))
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Interrupted(op, ctx.Err())
		case <-t.C:
		}
		if werr := r.limiter.Wait(ctx); werr != nil {
			return Interrupted(op, werr)
		}
		backoff *= 2
		if backoff > r.policy.Max {
			backoff = r.policy.Max
		}
	}
}

// Backoff returns the delay before retry number n (1-based) without jitter.
// Loops that retry on their own cycle use it to space attempts.
func (p RetryPolicy) Backoff(n int) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}
