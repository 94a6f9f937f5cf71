// Package retry wraps calls to external services in a bounded retry policy.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"projectlens/internal/domain"
)

// ErrInvalidAttempts is returned when a policy allows no attempts at all.
var ErrInvalidAttempts = errors.New("retry: max attempts must be > 0")

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration // doubled after every failed attempt; zero retries immediately
	Retryable   func(error) bool
}

// Once retries a transient failure exactly once, without delay.
var Once = Policy{MaxAttempts: 2, Retryable: domain.IsTransient}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The error of the last attempt is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidAttempts
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if !retryable(lastErr) || attempt == p.MaxAttempts {
			break
		}

		slog.Debug("operation failed, will retry", "attempt", attempt, "maxAttempts", p.MaxAttempts, "error", lastErr)

		delay := p.BaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
