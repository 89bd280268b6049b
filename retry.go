package heroes

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how a failing backend call is re-attempted.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep waits between attempts. Tests replace it to run without timers.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1) used for jitter.
	Rand func() float64
}

// DefaultRetryPolicy is used when a component is built without one.
func DefaultRetryPolicy() RetryPolicy {
	p := RetryPolicy{}
	p.defaults()
	return p
}

func (p *RetryPolicy) defaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the wait before retry number attempt (0-based):
// base*2^attempt plus up to base/2 of jitter, capped at maxDelay.
// r must be in [0, 1).
func Backoff(attempt int, base, maxDelay time.Duration, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	jitter := r * float64(base) * 0.5
	delay := math.Min(float64(base)*math.Pow(2, float64(attempt))+jitter, float64(maxDelay))
	return time.Duration(delay)
}

// Retry runs op until it succeeds, the failure is not retryable, or
// MaxAttempts is reached. The returned error is always classified.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	policy.defaults()

	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		classified := Classify(err)
		if !classified.Retryable() || attempt+1 >= policy.MaxAttempts {
			return zero, classified
		}
		delay := Backoff(attempt, policy.BaseDelay, policy.MaxDelay, policy.Rand())
		if serr := policy.Sleep(ctx, delay); serr != nil {
			return zero, classified
		}
	}
}
