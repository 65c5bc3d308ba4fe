package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clickup-tracker/domain"
)

// ErrAttemptTimeout marks an attempt that did not settle within its timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// RetryOptions bound a single collection fetch.
type RetryOptions struct {
	// Timeout applies to each attempt separately.
	Timeout time.Duration
	// Attempts is the total number of tries, the first one included.
	Attempts int
	// BaseDelay is multiplied by the attempt number between tries.
	BaseDelay time.Duration
}

// DefaultRetryOptions mirror the desktop client defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{Timeout: 20 * time.Second, Attempts: 3, BaseDelay: time.Second}
}

func (o RetryOptions) withDefaults() RetryOptions {
	def := DefaultRetryOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Attempts <= 0 {
		o.Attempts = def.Attempts
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	return o
}

// Retry runs op until it succeeds or the attempts are exhausted. Every
// attempt races against opts.Timeout; an attempt that does not settle in
// time counts as failed even if op ignores its context. Between attempts it
// waits BaseDelay times the number of the attempt that just failed. On
// exhaustion the zero value is returned together with the last error, and
// callers treat that as "no data obtained".
func Retry[T any](ctx context.Context, opts RetryOptions, op func(context.Context) (T, error)) (T, int, error) {
	opts = opts.withDefaults()
	var (
		zero    T
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= opts.Attempts; attempt++ {
		res, err := attemptWithTimeout(ctx, opts.Timeout, op)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err
		if attempt == opts.Attempts || !retryable(ctx, err) {
			break
		}
		if err := sleepContext(ctx, opts.BaseDelay*time.Duration(attempt)); err != nil {
			break
		}
	}
	if attempt > opts.Attempts {
		attempt = opts.Attempts
	}
	return zero, attempt, lastErr
}

type attemptResult[T any] struct {
	val T
	err error
}

func attemptWithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := op(actx)
		done <- attemptResult[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-actx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %v", ErrAttemptTimeout, timeout)
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var te *domain.TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
