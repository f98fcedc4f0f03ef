// Package retry provides the fixed-interval retry policy used for
// connection maintenance. A Policy is a value so it can be injected
// into connection managers and swapped for a bounded, fast policy in
// tests.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned (wrapped with the last attempt's error) when
// a bounded policy runs out of attempts.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy is a fixed-backoff retry policy.
type Policy struct {
	// Interval is the wait between a failed attempt and the next one.
	Interval time.Duration
	// MaxAttempts caps the number of attempts. Zero means unlimited.
	MaxAttempts int
}

// Forever returns an unlimited policy with a fixed interval.
func Forever(interval time.Duration) Policy {
	return Policy{Interval: interval}
}

// Bounded returns a policy that gives up after attempts tries.
func Bounded(interval time.Duration, attempts int) Policy {
	return Policy{Interval: interval, MaxAttempts: attempts}
}

// Unlimited reports whether the policy retries forever.
func (p Policy) Unlimited() bool {
	return p.MaxAttempts <= 0
}

// BackOff returns the backoff schedule for this policy bound to ctx.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if !p.Unlimited() {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// NotifyFunc is called after every failed attempt, before the wait.
// attempt is 1-based.
type NotifyFunc func(attempt int, err error, next time.Duration)

// Do calls op until it returns nil, the policy is exhausted, or ctx is
// cancelled. op is never called more than once per Interval. Errors
// wrapped with [Permanent] stop the loop immediately.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify NotifyFunc) error {
	attempt := 0
	var last error

	err := backoff.RetryNotify(func() error {
		attempt++
		last = op(ctx)
		return last
	}, p.BackOff(ctx), func(err error, next time.Duration) {
		if notify != nil {
			notify(attempt, err, next)
		}
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var perm *backoff.PermanentError
	if errors.As(last, &perm) {
		return perm.Err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
}

// Permanent wraps err so that [Policy.Do] stops retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
