package policy

import (
	"context"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// Do runs fn under the retry policy, bounding each attempt by the timeout.
// Non-retryable errors are returned as-is; running out of attempts yields a
// core.RetryExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, p RetryPolicy, t TimeoutSpec, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
		start   = time.Now()
		max     = p.Attempts()
	)

	for attempt := 1; attempt <= max; attempt++ {
		v, err := WithTimeout(ctx, t, op, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil || !p.retryable(err) {
			return zero, err
		}
		if attempt == max {
			break
		}
		if err := Sleep(ctx, p.Wait(attempt)); err != nil {
			return zero, err
		}
	}

	if max == 1 {
		return zero, lastErr
	}

	return zero, &core.RetryExhaustedError{Attempts: max, TotalDuration: time.Since(start), LastError: lastErr}
}

type outcome[T any] struct {
	v   T
	err error
}

// WithTimeout runs fn with a per-attempt deadline. On expiry the attempt is
// abandoned (its goroutine finishes in the background) and a
// core.TimeoutError is returned.
func WithTimeout[T any](ctx context.Context, t TimeoutSpec, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if !t.Enabled() {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, t.PerAttempt)
	done := make(chan outcome[T], 1)

	go func() {
		v, err := fn(attemptCtx)
		done <- outcome[T]{v: v, err: err}
	}()

	var zero T
	select {
	case o := <-done:
		cancel()
		if o.err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return zero, &core.TimeoutError{Operation: op, Timeout: t.PerAttempt}
		}
		return o.v, o.err
	case <-attemptCtx.Done():
		cancel()
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &core.TimeoutError{Operation: op, Timeout: t.PerAttempt}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
