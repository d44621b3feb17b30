// Package retry provides the exponential backoff used for session storage
// operations, webhook delivery and optional reconnect backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
)

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultJitter      = 0.1
)

// Policy describes a bounded exponential backoff. The delay before attempt
// n+1 is BaseDelay*2^(n-1) plus up to Jitter of that value, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns 3 attempts starting at 1s, capped at 10s, with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Normalized fills zero fields with defaults. A negative Jitter disables jitter.
func (p Policy) Normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	switch {
	case p.Jitter == 0:
		p.Jitter = DefaultJitter
	case p.Jitter < 0:
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

func (p Policy) delay(attempt int, r float64) time.Duration {
	p = p.Normalized()
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if base >= p.MaxDelay {
			return p.MaxDelay
		}
		base *= 2
	}
	d := base + time.Duration(float64(base)*p.Jitter*r)
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// Error is returned once every attempt failed or a permanent error stopped the loop.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// Retrier runs operations under a Policy.
type Retrier struct {
	policy Policy
	clock  clock.Clock
	logger pslog.Logger
}

// New returns a Retrier. A nil clock uses wall time and a nil logger discards output.
func New(policy Policy, clk clock.Clock, logger pslog.Logger) *Retrier {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Retrier{policy: policy.Normalized(), clock: clk, logger: logger}
}

// Policy returns the normalized policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends or the
// attempts are exhausted. Failures are returned as *Error; context
// cancellation is returned as the context's error.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := r.policy.MaxAttempts
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry.recovered", "op", op, "attempt", attempt)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if IsPermanent(err) {
			r.logger.Warn("retry.permanent_error", "op", op, "attempt", attempt, "error", err)
			return &Error{Op: op, Attempts: attempt, Err: errors.Unwrap(err)}
		}
		if attempt >= attempts {
			r.logger.Error("retry.exhausted", "op", op, "attempts", attempt, "error", err)
			return &Error{Op: op, Attempts: attempt, Err: err}
		}
		delay := r.policy.Delay(attempt)
		r.logger.Warn("retry.attempt_failed",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		if err := clock.Wait(ctx, r.clock, delay); err != nil {
			return err
		}
	}
}
