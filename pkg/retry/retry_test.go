package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(errors.New("permanent")))
	require.True(t, IsTransient(Transient(errors.New("flaky"))))
	require.True(t, IsTransient(context.DeadlineExceeded))

	// Wrapped transient errors are still recognized.
	wrapped := Transient(errors.New("flaky"))
	require.True(t, IsTransient(errors.Join(errors.New("outer"), wrapped)))

	var netErr net.Error = &net.DNSError{IsTimeout: true}
	require.True(t, IsTransient(netErr))
}

func TestTransientNilStaysNil(t *testing.T) {
	require.NoError(t, Transient(nil))
}

func TestTransientUnwraps(t *testing.T) {
	sentinel := errors.New("sentinel")
	require.ErrorIs(t, Transient(sentinel), sentinel)
}

func TestRetryerDefaultDisablesRetries(t *testing.T) {
	r := NewRetryer(Config{})
	require.False(t, r.ShouldWaitAndRetry(context.Background(), Transient(errors.New("flaky"))))
}

func TestRetryerNonTransientNeverRetries(t *testing.T) {
	r := NewRetryer(Config{MaxAttempts: 5, InitialDelay: time.Millisecond})
	require.False(t, r.ShouldWaitAndRetry(context.Background(), errors.New("permanent")))
}

func TestRetryerBoundedAttempts(t *testing.T) {
	ctx := context.Background()
	r := NewRetryer(Config{MaxAttempts: 2, InitialDelay: time.Millisecond})
	err := Transient(errors.New("flaky"))

	require.True(t, r.ShouldWaitAndRetry(ctx, err))
	require.True(t, r.ShouldWaitAndRetry(ctx, err))
	require.False(t, r.ShouldWaitAndRetry(ctx, err))
}

func TestRetryerSuccessResetsAttempts(t *testing.T) {
	ctx := context.Background()
	r := NewRetryer(Config{MaxAttempts: 1, InitialDelay: time.Millisecond})
	err := Transient(errors.New("flaky"))

	require.True(t, r.ShouldWaitAndRetry(ctx, err))
	require.True(t, r.ShouldWaitAndRetry(ctx, nil))
	require.True(t, r.ShouldWaitAndRetry(ctx, err))
}

func TestRetryerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetryer(Config{MaxAttempts: 3, InitialDelay: time.Minute})
	require.False(t, r.ShouldWaitAndRetry(ctx, Transient(errors.New("flaky"))))
}
