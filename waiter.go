package lockstep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// waiter is a single-slot rendezvous between one suspended caller and the
// test driver that releases it.
//
// States are Idle (nothing entered), Entered (a caller is suspended) and
// Released. A waiter is used for one cycle and then replaced by its owner.
type waiter struct {
	name    string
	timeout time.Duration
	log     *zap.Logger

	entered  *signal
	released *signal

	mu        sync.Mutex
	requested time.Duration
	releaseAt time.Time
}

func newWaiter(name string, o *options) *waiter {
	return &waiter{
		name:     name,
		timeout:  o.timeout,
		log:      o.log,
		entered:  newSignal(),
		released: newSignal(),
	}
}

func (w *waiter) String() string {
	if w.name == "" {
		return "delay"
	}
	return fmt.Sprintf("deferred wait %q", w.name)
}

// enter suspends the caller until the waiter is released, ctx is done or
// the safety ceiling elapses. A caller that gives up abandons the waiter by
// releasing it, so the slot never stays wedged.
func (w *waiter) enter(ctx context.Context, now time.Time, d time.Duration) error {
	if err := w.begin(now, d); err != nil {
		return err
	}
	return w.await(ctx)
}

// begin marks the waiter entered without blocking. Owners call it while
// holding their own lock so the entry is visible before it is released.
func (w *waiter) begin(now time.Time, d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.entered.isSet() && !w.released.isSet() {
		return fmt.Errorf("%s entered while a previous wait is still pending: %w", w, ErrUsage)
	}
	w.requested = d
	w.releaseAt = now.Add(d)
	w.entered.fire()
	return nil
}

// await blocks an entered caller until it is released.
func (w *waiter) await(ctx context.Context) error {
	err := w.released.wait(ctx, w.timeout, fmt.Sprintf("%s was not released", w))
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			w.mu.Lock()
			requested := w.requested
			w.mu.Unlock()
			w.log.Warn("wait was never released",
				zap.Stringer("wait", w),
				zap.Duration("requested", requested),
				zap.Duration("timeout", w.timeout))
		}
		w.released.fire()
	}
	return err
}

// peek blocks until a caller has entered and returns the duration it asked
// for. It does not release the caller.
func (w *waiter) peek(ctx context.Context) (time.Duration, error) {
	if err := w.entered.wait(ctx, w.timeout, fmt.Sprintf("%s was not entered", w)); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requested, nil
}

// releaseIfEntered releases a caller that has already entered. Releasing
// twice is a no-op.
func (w *waiter) releaseIfEntered(msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.entered.isSet() {
		return fmt.Errorf("%s: %s: %w", w, msg, ErrUsage)
	}
	w.released.fire()
	return nil
}

// release unconditionally releases the waiter, whether or not anyone entered.
func (w *waiter) release() {
	w.released.fire()
}

// releaseTime returns the virtual time the entered caller asked to wake at.
func (w *waiter) releaseTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.releaseAt
}

func (w *waiter) isReleased() bool { return w.released.isSet() }
