// Package retry provides the reusable backoff loop shared by rollback
// deletion and state sync. Policies are plain data so call sites stay
// declarative and tests can inject a fake sleeper.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy describes how an operation is retried.
type Policy struct {
	// Name identifies the policy in logs and reports.
	Name string

	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay each attempt. Values <= 1 mean a flat delay.
	Multiplier float64
}

// Exponential returns the rollback deletion policy: 3 attempts, 30s base
// delay doubling each attempt, capped at 300s.
func Exponential() Policy {
	return Policy{
		Name:        "exponential",
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		MaxDelay:    300 * time.Second,
		Multiplier:  2,
	}
}

// Fixed returns a flat-delay policy, used by state sync (3 attempts, 5s).
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{
		Name:        "fixed",
		MaxAttempts: attempts,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Multiplier:  1,
	}
}

// None returns a single-attempt policy. Emergency rollback uses it to skip
// backoff entirely.
func None() Policy {
	return Policy{Name: "none", MaxAttempts: 1}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.Multiplier <= 1 {
		return p.BaseDelay
	}

	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Sleeper waits between attempts. The default implementation honors
// context cancellation; tests substitute a recording fake.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type stdSleeper struct{}

func (stdSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopError marks an error as permanent: no further attempts are made.
type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err to tell Do to return immediately without retrying.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do runs op under the policy, sleeping between failed attempts. It returns
// nil on the first success, the context error if cancelled while waiting,
// and otherwise the last attempt's error annotated with the attempt count.
// An op may return Stop(err) to end the loop early.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	return DoWithSleeper(ctx, p, stdSleeper{}, op)
}

// DoWithSleeper is Do with an injectable sleeper.
func DoWithSleeper(ctx context.Context, p Policy, sleeper Sleeper, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}

		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleeper.Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
