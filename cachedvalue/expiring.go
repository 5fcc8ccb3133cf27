// Package cachedvalue holds single values that are loaded on demand and kept
// for a while: until they expire, until they sit idle, or until a background
// refresh replaces them.
//
// All of them take a lockstep.Clock, so tests can drive expiry and refresh
// deterministically.
package cachedvalue

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/lockstep"
)

// Expiring is a value that is reloaded once it is older than its TTL.
type Expiring[T any] struct {
	clock lockstep.Clock
	ttl   time.Duration
	load  func(ctx context.Context) (T, error)
	lock  *lockstep.Lock

	// Guarded by lock.
	value    T
	loadedAt time.Time
	valid    bool
}

// NewExpiring creates an Expiring value. Nothing is loaded until Get.
func NewExpiring[T any](clock lockstep.Clock, ttl time.Duration, load func(ctx context.Context) (T, error)) *Expiring[T] {
	return &Expiring[T]{
		clock: clock,
		ttl:   ttl,
		load:  load,
		lock:  lockstep.NewLock(),
	}
}

// Get returns the cached value, loading it first if it is missing or expired.
//
// Concurrent callers share a single load.
func (e *Expiring[T]) Get(ctx context.Context) (T, error) {
	var zero T
	held, err := e.lock.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer held.Release()
	if e.valid && e.clock.Since(e.loadedAt) < e.ttl {
		return e.value, nil
	}
	value, err := e.load(ctx)
	if err != nil {
		return zero, fmt.Errorf("failed to load value: %w", err)
	}
	e.value, e.loadedAt, e.valid = value, e.clock.Now(), true
	return value, nil
}

// Purge drops the cached value if it is older than the given age.
func (e *Expiring[T]) Purge(ctx context.Context, older time.Duration) error {
	held, err := e.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer held.Release()
	if !e.valid || e.clock.Since(e.loadedAt) < older {
		return nil
	}
	var zero T
	e.value, e.valid = zero, false
	return nil
}
