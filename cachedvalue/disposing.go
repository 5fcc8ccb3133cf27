package cachedvalue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alecthomas/lockstep"
)

// DisposeWaitName is the deferred wait a Disposing value uses for its idle timer.
const DisposeWaitName = "dispose"

// Disposing is a value that is created on demand and disposed of once it has
// not been used for a while.
type Disposing[T any] struct {
	clock   lockstep.Clock
	idle    time.Duration
	create  func(ctx context.Context) (T, error)
	dispose func(T)
	log     *zap.Logger
	lock    *lockstep.Lock

	// Guarded by lock.
	value    T
	live     bool
	armed    bool
	closed   bool
	lastUsed time.Time

	stopIdle context.CancelFunc
}

// NewDisposing creates a Disposing value. dispose is called with each
// created value once it has been idle for the given duration, or on Close.
func NewDisposing[T any](clock lockstep.Clock, idle time.Duration, create func(ctx context.Context) (T, error), dispose func(T), log *zap.Logger) *Disposing[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Disposing[T]{
		clock:    clock,
		idle:     idle,
		create:   create,
		dispose:  dispose,
		log:      log,
		lock:     lockstep.NewLock(),
		stopIdle: func() {},
	}
}

// Get returns the live value, creating it if needed, and restarts the idle
// period.
func (d *Disposing[T]) Get(ctx context.Context) (T, error) {
	var zero T
	held, err := d.lock.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer held.Release()
	if d.closed {
		return zero, fmt.Errorf("value is closed")
	}
	if !d.live {
		value, err := d.create(ctx)
		if err != nil {
			return zero, fmt.Errorf("failed to create value: %w", err)
		}
		d.value, d.live = value, true
	}
	d.lastUsed = d.clock.Now()
	if !d.armed {
		d.armLocked(d.idle)
	}
	return d.value, nil
}

// Close disposes of the live value, if any, and stops the idle timer. Later
// calls to Get fail.
func (d *Disposing[T]) Close(ctx context.Context) error {
	held, err := d.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer held.Release()
	d.closed = true
	d.stopIdle()
	d.disposeLocked()
	return nil
}

// armLocked starts a single idle timer. Only one is ever outstanding, so the
// named wait never overlaps itself.
func (d *Disposing[T]) armLocked(after time.Duration) {
	ctx, stop := context.WithCancel(context.Background())
	d.stopIdle = stop
	d.armed = true
	go d.expire(ctx, stop, after)
}

func (d *Disposing[T]) expire(ctx context.Context, stop context.CancelFunc, after time.Duration) {
	err := d.clock.DeferredWait(ctx, after, DisposeWaitName)
	stop()
	if errors.Is(err, context.Canceled) {
		return
	}
	held, lockErr := d.lock.Acquire(context.Background())
	if lockErr != nil {
		return
	}
	defer held.Release()
	d.armed = false
	if err != nil {
		// The next Get arms a fresh timer.
		d.log.Error("idle timer failed", zap.Duration("after", after), zap.Error(err))
		return
	}
	if d.closed || !d.live {
		return
	}
	if remaining := d.idle - d.clock.Since(d.lastUsed); remaining > 0 {
		d.armLocked(remaining)
		return
	}
	d.disposeLocked()
}

func (d *Disposing[T]) disposeLocked() {
	if !d.live {
		return
	}
	value := d.value
	var zero T
	d.value, d.live = zero, false
	d.log.Debug("disposing idle value", zap.Time("lastUsed", d.lastUsed))
	d.dispose(value)
}
