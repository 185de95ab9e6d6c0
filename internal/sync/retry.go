package sync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// RetryPolicy is the capped exponential backoff the runner applies around
// whole-item fetches and deliveries.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the total time spent on one item. Zero means no
	// bound.
	MaxElapsed time.Duration
	// MaxAttempts bounds the number of calls, first one included. Zero means
	// no bound.
	MaxAttempts int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      2 * time.Minute,
		MaxAttempts:     4,
	}
}

// NoRetry calls an operation once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Do calls op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Only remote and delivery failures are retried.
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify func(error, time.Duration)) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = p.MaxElapsed

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, notify)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if errors.Is(err, errors.ErrLedgerWrite) {
		return false
	}
	return errors.Is(err, errors.ErrRemoteUnavailable) || errors.Is(err, errors.ErrDeliveryFailure)
}
