package lockstep

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Lock is a mutual-exclusion lock whose acquisition can be cancelled.
type Lock struct {
	sem *semaphore.Weighted
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done.
//
//	held, err := lock.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer held.Release()
func (l *Lock) Acquire(ctx context.Context) (*Held, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Held{sem: l.sem}, nil
}

// Held is a held Lock. Release only has an effect the first time it is
// called, so overlapping cleanup paths can all call it.
type Held struct {
	sem      *semaphore.Weighted
	released atomic.Bool
}

// Release unlocks the Lock.
func (h *Held) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.sem.Release(1)
	}
}
