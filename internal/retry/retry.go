// Package retry applies a bounded retry policy to an operation. The
// same combinator backs lock acquisition and queue delivery.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Timer is the wait primitive between attempts; tests substitute one
// that fires immediately.
type Timer = backoff.Timer

// DelayFunc returns the wait before the next attempt. attempt is the
// number of attempts made so far and err is the error of the last one.
type DelayFunc func(attempt int, err error) time.Duration

// Policy describes how often and how far apart an operation is tried.
type Policy struct {
	MaxAttempts int
	Delay       DelayFunc

	// Timer replaces the wall-clock timer between attempts. Nil means
	// a real timer.
	Timer Timer
}

// Fixed returns a policy of n attempts separated by d.
func Fixed(n int, d time.Duration) Policy {
	return Policy{
		MaxAttempts: n,
		Delay:       func(int, error) time.Duration { return d },
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// policyBackOff adapts a Policy to backoff.BackOff. lastErr is shared
// with the operation wrapper so that Delay can react to the failure.
type policyBackOff struct {
	policy   Policy
	attempts *int
	lastErr  *error
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if *b.attempts >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	return b.policy.Delay(*b.attempts, *b.lastErr)
}

func (b *policyBackOff) Reset() {}

// Do calls op until it succeeds, returns a Permanent error, ctx ends, or
// the policy is exhausted.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay == nil {
		p.Delay = func(int, error) time.Duration { return 0 }
	}

	var attempts int
	var lastErr error
	b := backoff.WithContext(&policyBackOff{policy: p, attempts: &attempts, lastErr: &lastErr}, ctx)

	err := backoff.RetryNotifyWithTimer(func() error {
		attempts++
		lastErr = op(ctx)
		return lastErr
	}, b, nil, p.Timer)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && err == ctx.Err() {
		return err
	}
	if attempts >= p.MaxAttempts {
		return &ExhaustedError{Attempts: attempts, Err: err}
	}
	return err
}
