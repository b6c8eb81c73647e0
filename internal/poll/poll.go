// Package poll provides a bounded poll-until-ready loop over an injectable clock.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt was made without success.
var ErrExhausted = errors.New("condition not met within attempt budget")

// Clock abstracts time so loops can be driven without sleeping in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock uses the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
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

// Policy bounds a poll loop. Zero MaxAttempts means unbounded (Timeout must
// then be set).
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts the loop immediately.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond, sleeping Interval between attempts, until it returns
// true, errors, the budget is spent or ctx ends. It returns the number of
// attempts made.
func Until(ctx context.Context, clock Clock, p Policy, cond Condition) (int, error) {
	if clock == nil {
		clock = RealClock{}
	}
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = clock.Now().Add(p.Timeout)
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}
		attempts++
		ok, err := cond(ctx)
		if err != nil {
			return attempts, err
		}
		if ok {
			return attempts, nil
		}
		if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
			return attempts, ErrExhausted
		}
		if !deadline.IsZero() && !clock.Now().Add(p.Interval).Before(deadline) {
			return attempts, ErrExhausted
		}
		if err := clock.Sleep(ctx, p.Interval); err != nil {
			return attempts, err
		}
	}
}
