// Package retry runs operations under an exponential backoff policy with a
// caller-supplied retryability predicate.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. The delay starts at BaseDelay, doubles per
// attempt and never exceeds MaxDelay. MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used for storage operations.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Predicate reports whether an error is worth another attempt.
type Predicate func(error) bool

// Do calls fn until it succeeds, returns an error the predicate rejects,
// the attempt ceiling is reached or ctx is done. The last error is returned
// unchanged.
func Do[T any](ctx context.Context, p Policy, retryable Predicate, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && (retryable == nil || !retryable(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("retrying operation", "attempt", attempt, "wait", wait, "error", err)
	}
	return backoff.RetryNotifyWithData(op, p.backOff(ctx), notify)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, retryable Predicate, fn func(context.Context) error) error {
	_, err := Do(ctx, p, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}
