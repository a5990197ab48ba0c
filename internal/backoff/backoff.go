// Package backoff computes exponential reconnect delays and retries
// operations with them.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential schedule. MaxAttempts of zero retries
// until the context ends.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      bool
}

func Default() Policy {
	return Policy{
		Initial:    2 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.Initial)
	for i := 1; i < attempt && d < float64(p.Max); i++ {
		d *= p.Multiplier
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	delay := time.Duration(d)
	if p.Jitter && delay >= 4 {
		delay += rand.N(delay / 4)
	}
	return delay
}

// Exhausted reports whether attempt is past the policy's limit.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry runs fn until it succeeds, returns a Permanent error, the policy is
// exhausted, or ctx ends. notify, when set, is called before each wait.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error, notify func(attempt int, delay time.Duration, err error)) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if p.Exhausted(attempt + 1) {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		delay := p.Delay(attempt)
		if notify != nil {
			notify(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
