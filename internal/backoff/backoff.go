// Package backoff holds the retry policy shared by the mirror resolver and
// the resumable fetcher.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Stands in for "no cap" since ExponentialBackOff clamps to MaxInterval.
const unlimitedDelay = 24 * time.Hour

var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes a bounded retry with exponential delays:
// BaseDelay, BaseDelay*Multiplier, BaseDelay*Multiplier^2, ...
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration
}

// Exponential returns the 1s, 2s, 4s, ... policy.
func Exponential(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Second,
		Multiplier:  2,
	}
}

// Constant returns a policy sleeping the same delay between attempts.
func Constant(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   delay,
		Multiplier:  1,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}

	return p.MaxAttempts
}

// BackOff builds the schedule for one Retry run. Delays are exact, without
// jitter.
func (p Policy) BackOff(ctx context.Context) cbackoff.BackOffContext {
	var b cbackoff.BackOff

	if p.Multiplier <= 1 {
		b = cbackoff.NewConstantBackOff(p.BaseDelay)
	} else {
		maxDelay := p.MaxDelay
		if maxDelay <= 0 {
			maxDelay = unlimitedDelay
		}

		eb := cbackoff.NewExponentialBackOff()
		eb.InitialInterval = p.BaseDelay
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxInterval = maxDelay
		eb.MaxElapsedTime = 0
		b = eb
	}

	return cbackoff.WithContext(cbackoff.WithMaxRetries(b, uint64(p.attempts()-1)), ctx)
}

// Retry calls fn until it succeeds, returns a Permanent error or the
// attempts run out. OnRetry, when set, is called before each wait.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry ...func(attempt int, wait time.Duration, err error)) error {
	var (
		attempt   int
		permanent bool
	)

	op := func() error {
		err := fn(ctx, attempt)
		attempt++

		var perm *cbackoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		for _, f := range onRetry {
			f(attempt-1, wait, err)
		}
	}

	err := cbackoff.RetryNotify(op, p.BackOff(ctx), notify)

	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("retry interrupted: %w", ctx.Err())
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
}

// Permanent marks err as not worth retrying. Retry returns err itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return cbackoff.Permanent(err)
}
