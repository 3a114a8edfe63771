package syncutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializer_OneHolderAtATime(t *testing.T) {
	s := NewSerializer()
	ctx := context.Background()

	const workers = 50
	inside := make(chan int, workers)
	done := make(chan struct{})
	active := 0
	maxActive := 0

	for i := 0; i < workers; i++ {
		go func() {
			unlock, err := s.LockContext(ctx)
			if !assert.NoError(t, err) {
				done <- struct{}{}
				return
			}
			active++
			inside <- active
			active--
			unlock()
			done <- struct{}{}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
	close(inside)
	for n := range inside {
		maxActive = max(maxActive, n)
	}
	assert.Equal(t, 1, maxActive)
}

func TestSerializer_WaiterGivesUp(t *testing.T) {
	s := NewSerializer()
	unlock, err := s.LockContext(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.LockContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	_, ok := s.TryLock()
	assert.True(t, ok, "a timed-out waiter must not hold the lock")
}

func TestSerializer_DoneContextNeverAcquiresFreeLock(t *testing.T) {
	s := NewSerializer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		_, err := s.LockContext(ctx)
		require.ErrorIs(t, err, context.Canceled)
	}
	unlock, ok := s.TryLock()
	require.True(t, ok)
	unlock()
}

func TestSerializer_HandsOffOnUnlock(t *testing.T) {
	s := NewSerializer()
	unlock, ok := s.TryLock()
	require.True(t, ok)
	_, ok = s.TryLock()
	assert.False(t, ok, "TryLock on a held lock")

	acquired := make(chan func(), 1)
	go func() {
		next, err := s.LockContext(context.Background())
		if err == nil {
			acquired <- next
		}
	}()

	assert.Never(t, func() bool { return len(acquired) > 0 }, 20*time.Millisecond, 5*time.Millisecond)
	unlock()

	select {
	case next := <-acquired:
		next()
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after unlock")
	}
}
