// Package retry provides the retry policy value threaded through the source
// client, the batch writer, and the orchestrator's page-level retries.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// Policy configures bounded exponential backoff.
type Policy struct {
	MaxAttempts int           // Attempts including the first. Default 3.
	BaseDelay   time.Duration // Delay before the first retry. Default 1s.
	MaxDelay    time.Duration // Upper bound for a single delay. Default 30s.
	Multiplier  float64       // Growth factor per retry. Default 2.0.
	Jitter      float64       // Randomization factor in [0,1). Default 0.2.
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// normalized fills zero fields with defaults.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// backOff builds the cenkalti backoff for one Do call.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// Operation is a retryable unit of work. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Notify is called before each wait with the error that triggered the retry.
type Notify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. Only errors classified as transient by
// syncerr.IsRetryable are retried. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op Operation, notify Notify) error {
	p = p.normalized()
	attempt := 0

	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !syncerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempt, wait)
		}
	})
	return err
}
