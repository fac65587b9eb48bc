// Package retry is the resilience wrapper applied around fallible
// operations (fetch, dispatch, store writes).
//
// It is a plain combinator: the caller supplies the policy and the
// operation, and classifies non-retryable failures by wrapping them with
// Permanent. Exhaustion surfaces as an error to the caller; the scheduler
// turns that into a failed run for the cycle, never a process fault.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"tickerwire/pkg/logx"
)

// Policy controls attempts and backoff.
type Policy struct {
	MaxAttempts int           // total attempts, default 3
	BaseDelay   time.Duration // first retry delay, default 2s
	MaxDelay    time.Duration // backoff cap, default 30s
	Jitter      float64       // +/- fraction of the delay, default 0.2
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: Do propagates it immediately
// without consuming the remaining attempt budget. Use it for failures
// more attempts cannot fix (auth, malformed input, 4xx responses).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs fn with the policy's attempt budget and exponential backoff.
// Context cancellation aborts both the operation and backoff sleeps.
func Do(ctx context.Context, p Policy, log logx.Logger, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}
		if attempt >= p.MaxAttempts {
			break
		}

		delay := backoffDelay(p, attempt)
		log.Debug("retrying after failure",
			logx.String("op", op),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", p.MaxAttempts),
			logx.Duration("delay", delay),
			logx.Err(lastErr))

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

// backoffDelay is base doubled per retry, capped, with +/- jitter.
func backoffDelay(p Policy, retry int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
