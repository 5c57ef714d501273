package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uplinkd/uplink/pkg/apperrors"
)

func recordingPolicy(maxRetries int) (RetryPolicy, *[]time.Duration) {
	delays := &[]time.Duration{}
	policy := RetryPolicy{
		MaxRetries:     maxRetries,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		RateLimitFloor: 5 * time.Second,
		sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
	return policy, delays
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy, delays := recordingPolicy(5)

	calls := 0
	attempts, err := policy.Run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &apperrors.HTTPError{StatusCode: 503, Message: "unavailable"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, *delays, 2)
}

func TestRetryDelaysBoundedByCeiling(t *testing.T) {
	policy, delays := recordingPolicy(10)

	_, err := policy.Run(context.Background(), func() error {
		return &apperrors.HTTPError{StatusCode: 500, Message: "boom"}
	})

	require.Error(t, err)
	require.NotEmpty(t, *delays)
	for _, d := range *delays {
		assert.LessOrEqual(t, d, policy.MaxDelay)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestRetryDelaysGrowInExpectation(t *testing.T) {
	// Jitter makes any single delay sequence non-monotonic, so average
	// each retry position over many runs and check the means grow.
	const runs = 200
	const retries = 5

	sums := make([]time.Duration, retries)
	for i := 0; i < runs; i++ {
		policy, delays := recordingPolicy(retries)
		policy.MaxDelay = time.Hour // keep the ceiling out of the way

		_, err := policy.Run(context.Background(), func() error {
			return &apperrors.HTTPError{StatusCode: 500, Message: "boom"}
		})
		require.Error(t, err)
		require.Len(t, *delays, retries)
		for j, d := range *delays {
			sums[j] += d
		}
	}

	for j := 1; j < retries; j++ {
		assert.Greater(t, sums[j], sums[j-1],
			"mean delay before retry %d should exceed retry %d", j+1, j)
	}
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	policy, delays := recordingPolicy(3)

	calls := 0
	attempts, err := policy.Run(context.Background(), func() error {
		calls++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, "connection refused", err.Error())
	assert.Equal(t, 4, attempts) // initial try + 3 retries
	assert.Equal(t, 4, calls)
	assert.Len(t, *delays, 3)
}

func TestNonRetryableStatusAbortsImmediately(t *testing.T) {
	for _, status := range []int{400, 401, 403, 413} {
		policy, delays := recordingPolicy(5)

		attempts, err := policy.Run(context.Background(), func() error {
			return &apperrors.HTTPError{StatusCode: status, Message: "rejected"}
		})

		require.Error(t, err, "status %d", status)
		assert.Equal(t, 1, attempts, "status %d", status)
		assert.Empty(t, *delays, "status %d", status)
	}
}

func TestRateLimitDelayFloor(t *testing.T) {
	policy, delays := recordingPolicy(2)

	calls := 0
	_, err := policy.Run(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &apperrors.HTTPError{StatusCode: 429, Message: "slow down"}
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, *delays, 1)
	assert.GreaterOrEqual(t, (*delays)[0], policy.RateLimitFloor)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	attempts, err := policy.Run(ctx, func() error {
		return errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
