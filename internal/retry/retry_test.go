package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gateway-dispatcher/internal/proxy"
)

var errFlaky = errors.New("flaky")

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var retried []uint
	p := Policy{
		Attempts:  5,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		OnRetry:   func(n uint, _ error) { retried = append(retried, n) },
	}
	err := Do(context.Background(), p, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []uint{1, 2}, retried)
}

func TestDoReturnsLastErrorWhenAttemptsSpent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := Do(context.Background(), Policy{Attempts: 3}, func(context.Context) error {
		return fmt.Errorf("attempt %d: %w", calls.Add(1), errFlaky)
	})
	require.ErrorIs(t, err, errFlaky)
	assert.Contains(t, err.Error(), "attempt 3")
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := Do(context.Background(), Policy{}, func(context.Context) error {
		calls.Add(1)
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoDoesNotRetryExhaustedPool(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := Do(context.Background(), Policy{Attempts: 5}, func(context.Context) error {
		calls.Add(1)
		return fmt.Errorf("select gateway: %w", proxy.ErrPoolExhausted)
	})
	require.ErrorIs(t, err, proxy.ErrPoolExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := Do(context.Background(), Policy{Attempts: 5}, func(context.Context) error {
		calls.Add(1)
		return Permanent(errFlaky)
	})
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int32(1), calls.Load())
	assert.NoError(t, Permanent(nil))
}

func TestDoStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := Do(ctx, Policy{Attempts: 100, BaseDelay: 10 * time.Millisecond}, func(context.Context) error {
		if calls.Add(1) == 2 {
			cancel()
		}
		return errFlaky
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int32(3))
}

func TestValueReturnsResult(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	got, err := Value(context.Background(), Policy{Attempts: 3}, func(context.Context) (int64, error) {
		if calls.Add(1) == 1 {
			return 0, errFlaky
		}
		return 12345, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12345), got)
}
