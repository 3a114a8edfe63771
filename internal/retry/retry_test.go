package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("could not serialize access")

func TestDo_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errConflict
	})
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(errConflict)
	})
	assert.Equal(t, errConflict, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}

func TestDo_AtLeastOneAttempt(t *testing.T) {
	calls := 0
	require.NoError(t, Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestPolicy_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	time.AfterFunc(20*time.Millisecond, cancel)

	err := Policy{Attempts: 10, BaseDelay: time.Second}.Run(ctx, func(context.Context) error {
		calls.Add(1)
		return errConflict
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPolicy_MaxDelayCapsBackoff(t *testing.T) {
	start := time.Now()
	calls := 0
	err := Policy{Attempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}.Run(
		context.Background(), func(context.Context) error {
			calls++
			return errConflict
		})
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 5, calls)
	// four sleeps of at most 12.5ms each
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestJitter(t *testing.T) {
	assert.Equal(t, time.Duration(0), jitter(0))
	for i := 0; i < 100; i++ {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
