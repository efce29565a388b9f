package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	// Jitter is the randomization factor in [0,1).
	Jitter float64
}

// DefaultPolicy is used when none is configured.
var DefaultPolicy = Policy{MaxAttempts: 4, Base: 500 * time.Millisecond, Max: 8 * time.Second, Jitter: 0.2}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Base
	exp.MaxInterval = p.Max
	exp.RandomizationFactor = p.Jitter
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-transient error, attempts are
// exhausted, or ctx is done. onRetry, when set, observes each scheduled retry.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(err error, wait time.Duration)) error {
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var stop *backoff.PermanentError
		if errors.As(err, &stop) {
			return err
		}
		if Classify(err).Class != ClassTransient {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if onRetry != nil {
		notify = func(err error, wait time.Duration) { onRetry(err, wait) }
	}
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}

// Stop ends a Do loop with err regardless of how err classifies.
func Stop(err error) error {
	return backoff.Permanent(err)
}
