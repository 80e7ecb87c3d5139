package fn

import (
	"context"
	"time"
)

// RetryOpts configures retry behavior. The retry decision is a pure
// function of the returned error and the attempts remaining: an attempt
// is replayed only when ShouldRetry approves the error and MaxAttempts
// is not exhausted.
type RetryOpts struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff returns how long to wait before the given retry. attempt
	// is 1 for the wait after the first failure. Nil means no wait.
	Backoff func(attempt int) time.Duration
	// ShouldRetry decides whether a failed attempt is worth replaying.
	// Nil retries every error.
	ShouldRetry func(error) bool
}

// LinearBackoff waits step x attempt before each retry.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Retry runs f until it succeeds, the error is not retryable, or
// attempts are exhausted. Attempts are strictly sequential; each retry
// waits out its full backoff first. The last failure is returned.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result Result[T]
	for attempt := 1; attempt <= attempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt == attempts {
			break
		}
		_, err := result.Unwrap()
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			break
		}
		if opts.Backoff != nil {
			select {
			case <-ctx.Done():
				return Err[T](ctx.Err())
			case <-time.After(opts.Backoff(attempt)):
			}
		}
	}
	return result
}
