package mcp

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds the generic retry loop.
type RetryPolicy struct {
	MaxRetries int // retries after the first try
	Base       time.Duration
	MaxDelay   time.Duration
	Jitter     float64 // fraction, applied as +/- Jitter
	// RetryableStatuses are the HTTP statuses worth retrying.
	RetryableStatuses []int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		Base:              500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		Jitter:            0.2,
		RetryableStatuses: []int{502, 503, 504},
	}
}

// backoffDelay returns the wait before retry number `retry` (1-based):
// Base doubled per retry, capped at MaxDelay, then jittered and re-capped.
func backoffDelay(p RetryPolicy, retry int, rng *rand.Rand) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 8 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}

// DelayBounds returns the smallest and largest total wait the policy can
// produce across n retries.
func (p RetryPolicy) DelayBounds(n int) (lo, hi time.Duration) {
	for i := 1; i <= n; i++ {
		d := backoffDelay(RetryPolicy{Base: p.Base, MaxDelay: p.MaxDelay}, i, nil)
		lo += min(time.Duration(float64(d)*(1-p.Jitter)), p.maxDelay())
		hi += min(time.Duration(float64(d)*(1+p.Jitter)), p.maxDelay())
	}
	return lo, hi
}

func (p RetryPolicy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return 8 * time.Second
	}
	return p.MaxDelay
}
