package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/uplinkd/uplink/pkg/apperrors"
)

// RetryPolicy governs per-chunk retries: exponential backoff with
// jitter up to a delay ceiling, a distinct delay floor for rate
// limiting, and a hard stop on non-retryable error classes.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	RateLimitFloor time.Duration

	// sleep is replaced in tests to record delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		RateLimitFloor: 5 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.RateLimitFloor <= 0 {
		p.RateLimitFloor = def.RateLimitFloor
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes op, retrying transient failures. It returns the last
// error once retries are exhausted, immediately for non-retryable
// classes, and ctx.Err() if the context is cancelled while waiting.
// attempts reports how many times op ran.
func (p RetryPolicy) Run(ctx context.Context, op func() error) (attempts int, err error) {
	p = p.normalized()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0 // retry count is the only limit
	bo.Reset()

	for {
		attempts++
		err = op()
		if err == nil {
			return attempts, nil
		}
		if ctx.Err() != nil {
			return attempts, ctx.Err()
		}

		class := apperrors.ClassifyError(err)
		if class == apperrors.RetryNever {
			return attempts, err
		}
		if attempts > p.MaxRetries {
			return attempts, err
		}

		delay := bo.NextBackOff()
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if class == apperrors.RetryFloor && delay < p.RateLimitFloor {
			delay = p.RateLimitFloor
		}
		if err := p.sleep(ctx, delay); err != nil {
			return attempts, err
		}
	}
}
