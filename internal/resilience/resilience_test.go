package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsTransientRecognizesNetworkErrorStrings(t *testing.T) {
	require.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	require.True(t, IsTransient(fmt.Errorf("attachment fetch returned 503 Service Unavailable")))
	require.False(t, IsTransient(fmt.Errorf("attachment fetch returned 404 Not Found")))
	require.False(t, IsTransient(nil))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := errors.New("invalid request")
	err := Retry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, attempts)
}

func TestCircuitBreakerOpensAfterThresholdAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 10 * time.Millisecond})
	failing := errors.New("boom")

	require.NoError(t, cb.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return failing })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return failing })
	require.Equal(t, StateOpen, cb.State())

	var degraded *DegradedError
	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorAs(t, err, &degraded)

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	require.Equal(t, StateClosed, cb.State())
}
