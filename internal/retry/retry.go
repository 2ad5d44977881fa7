package retry

import (
	"context"
	"time"
)

// Policy describes how often and how fast a failing call is retried.
// Delays double after each attempt, starting at BaseDelay and capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt. A nil Retryable retries every error.
	Retryable func(error) bool
}

// Default retries 4 times: 100ms, 200ms, 400ms.
var Default = Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}

// Delay returns the backoff to apply after the given (zero-based) failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) retryable(err error) bool {
	return p.Retryable == nil || p.Retryable(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, or MaxAttempts is reached.
// Returns ctx.Err() if the context is cancelled before all attempts are exhausted.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	_, err := Result(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Result is like Policy.Do but for functions that return a value.
func Result[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)

	var result T
	var err error
	for i := 0; i < attempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if !p.retryable(err) || i == attempts-1 {
			break
		}
		select {
		case <-time.After(p.Delay(i)):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, err
}
