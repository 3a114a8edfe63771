// Package syncutil holds the lock used to admit ledger operations one at a time.
package syncutil

import "context"

// Serializer is a mutex implemented over a one-slot channel so waiters can
// give up when their context is cancelled. The ledger runs every operation
// under it, which makes each operation atomic with respect to the others.
type Serializer struct {
	ch chan struct{}
}

// NewSerializer returns an unlocked Serializer.
func NewSerializer() *Serializer {
	s := &Serializer{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{}
	return s
}

// LockContext acquires the lock or returns ctx.Err() if ctx is done first.
// On success the caller MUST call the returned unlock function exactly once.
func (s *Serializer) LockContext(ctx context.Context) (func(), error) {
	// A cancelled context never acquires, even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.ch:
		return func() { s.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock only if it is free.
func (s *Serializer) TryLock() (func(), bool) {
	select {
	case <-s.ch:
		return func() { s.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
