// Package backoff retries rate-limited operations with exponential delay.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrRateLimited signals a transient upstream refusal (HTTP 429 or
// equivalent). Operations return or wrap it to request a retry; every other
// error propagates to the caller on the first attempt.
var ErrRateLimited = errors.New("rate limited")

// Executor retries an operation on ErrRateLimited. Rand and Sleep are
// injectable so tests can pin the jitter and observe the computed delays.
type Executor struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64

	Rand  *rand.Rand
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default mirrors the upstream service limits we tuned against.
func Default() Executor {
	return Executor{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0.1,
	}
}

// Do runs op, retrying on ErrRateLimited until MaxRetries attempts have been
// exhausted; the final rate-limited error is returned as-is. Non-rate-limit
// errors return immediately without sleeping.
func Do[T any](ctx context.Context, e Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		out, err := op(ctx)
		if err == nil || !errors.Is(err, ErrRateLimited) {
			return out, err
		}
		if attempt >= e.MaxRetries {
			return zero, err
		}
		if serr := e.sleep(ctx, e.nextDelay(attempt)); serr != nil {
			return zero, serr
		}
	}
}

// nextDelay is min(MaxDelay, BaseDelay*2^attempt) perturbed by a uniform
// multiplicative factor in [1-Jitter, 1+Jitter], floored at zero.
func (e Executor) nextDelay(attempt int) time.Duration {
	delay := float64(e.BaseDelay) * math.Pow(2, float64(attempt))
	if maxd := float64(e.MaxDelay); e.MaxDelay > 0 && delay > maxd {
		delay = maxd
	}
	if e.Jitter > 0 {
		delay *= 1 + (e.randFloat()*2-1)*e.Jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (e Executor) randFloat() float64 {
	if e.Rand != nil {
		return e.Rand.Float64()
	}
	return rand.Float64()
}

func (e Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
