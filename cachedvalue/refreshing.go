package cachedvalue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/alecthomas/lockstep"
)

// RetryWaitName is the deferred wait a Refreshing value uses between failed loads.
const RetryWaitName = "refresh-retry"

// Refreshing is a value kept up to date by a background loop.
//
// The loop loads the value, then waits interval with Clock.Delay before
// loading again. A failed load is retried after Clock.DeferredWait(retry),
// which is how tests get to hold the loop on its error path.
type Refreshing[T any] struct {
	clock    lockstep.Clock
	interval time.Duration
	retry    time.Duration
	load     func(ctx context.Context) (T, error)
	log      *zap.Logger
	lock     *lockstep.Lock

	ready  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	// Guarded by lock.
	value     T
	refreshed time.Time
	loaded    bool
}

// NewRefreshing starts refreshing a value in the background. Close stops it.
func NewRefreshing[T any](clock lockstep.Clock, interval, retry time.Duration, load func(ctx context.Context) (T, error), log *zap.Logger) *Refreshing[T] {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Refreshing[T]{
		clock:    clock,
		interval: interval,
		retry:    retry,
		load:     load,
		log:      log,
		lock:     lockstep.NewLock(),
		ready:    make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

// Get returns the most recently loaded value, waiting for the first load to
// succeed if necessary.
func (r *Refreshing[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-r.ready:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	held, err := r.lock.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer held.Release()
	return r.value, nil
}

// Refreshed returns the clock time of the last successful load.
func (r *Refreshing[T]) Refreshed(ctx context.Context) (time.Time, error) {
	held, err := r.lock.Acquire(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer held.Release()
	return r.refreshed, nil
}

// Close stops the background loop and waits for it to exit.
func (r *Refreshing[T]) Close() {
	r.cancel()
	<-r.done
}

func (r *Refreshing[T]) run(ctx context.Context) {
	defer close(r.done)
	for {
		value, err := r.load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("refresh failed, retrying", zap.Duration("retry", r.retry), zap.Error(err))
			if err := r.clock.DeferredWait(ctx, r.retry, RetryWaitName); err != nil {
				r.stopped(err)
				return
			}
			continue
		}
		if err := r.store(ctx, value); err != nil {
			return
		}
		if err := r.clock.Delay(ctx, r.interval); err != nil {
			r.stopped(err)
			return
		}
	}
}

func (r *Refreshing[T]) store(ctx context.Context, value T) error {
	held, err := r.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer held.Release()
	r.value = value
	r.refreshed = r.clock.Now()
	if !r.loaded {
		r.loaded = true
		close(r.ready)
	}
	return nil
}

func (r *Refreshing[T]) stopped(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	r.log.Error("refresh loop stopped", zap.Error(err))
}
