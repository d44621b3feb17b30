// Package clock abstracts wall time so timers, debounce windows and backoff
// sleeps can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used by every component that waits or stamps events.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock on top of the time package.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Wait blocks for d on clk or until ctx is done, whichever happens first.
// A non-positive d returns immediately unless ctx is already done.
func Wait(ctx context.Context, clk Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	if clk == nil {
		clk = Real{}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
