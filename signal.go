package lockstep

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// signal is a one-shot completion. It can be fired at most once and observed
// by any number of goroutines. Observers resume on their own goroutines, so
// firing never runs waiter code on the caller's stack.
type signal struct {
	fired atomic.Bool
	done  chan struct{}
}

func newSignal() *signal {
	return &signal{done: make(chan struct{})}
}

// fire sets the signal, returning false if it was already set.
func (s *signal) fire() bool {
	if !s.fired.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	return true
}

func (s *signal) isSet() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// wait blocks until the signal fires, ctx is done, or timeout of real time
// elapses. A signal that is already set always wins.
func (s *signal) wait(ctx context.Context, timeout time.Duration, what string) error {
	if s.isSet() {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s after %s: %w", what, timeout, ErrTimeout)
	}
}
