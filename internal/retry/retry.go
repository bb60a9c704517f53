// Package retry runs operations with a bounded, backoff-delayed retry loop.
// The batch runner uses it around fetch and commit, where storage errors are
// presumed transient.
package retry

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// Policy defines retry behavior. MaxAttempts counts total tries, so 3 means
// one initial attempt plus two retries.
type Policy struct {
	MaxAttempts  int
	Delay        time.Duration
	Backoff      string // "fixed" | "exponential"
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64 // 0.0-1.0; +/- fraction of the delay
}

// DefaultPolicy matches the run-settings defaults: 3 attempts starting at 1s,
// doubling up to 30s, with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Delay:        time.Second,
		Backoff:      "exponential",
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff == "" {
		p.Backoff = "exponential"
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// next returns the delay that follows current under this policy.
func (p Policy) next(current time.Duration) time.Duration {
	if !strings.EqualFold(p.Backoff, "exponential") {
		return current
	}
	d := time.Duration(float64(current) * p.Multiplier)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// applyJitter spreads a delay by +/- delay*factor to avoid lockstep retries.
func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 || delay <= 0 {
		return delay
	}
	jitter := float64(delay) * factor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Do executes fn until it succeeds or attempts are exhausted, waiting between
// tries. Context cancellation aborts the wait and returns ctx.Err().
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := DoWithResult(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	p = p.normalized()

	var (
		result  T
		lastErr error
	)
	delay := p.Delay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result = r
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(applyJitter(delay, p.JitterFactor)):
			delay = p.next(delay)
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	return result, lastErr
}
