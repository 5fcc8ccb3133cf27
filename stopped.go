package lockstep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StoppedClock is a fake Clock whose time only moves when the test says so.
//
// Every Delay blocks until the driver calls ReleaseDelay, and every
// DeferredWait blocks until ReleaseDeferred. The usual pattern is:
//
//	clock := lockstep.Stopped()
//	go worker(ctx, clock)
//	d, err := clock.WaitForDelay(ctx) // worker is now inside Delay(d)
//	err = clock.ReleaseDelay()        // worker resumes at origin+d
type StoppedClock struct {
	*virtualCore
	delay *waiter // guarded by mu
}

// Stopped returns a StoppedClock at the configured origin.
func Stopped(opts ...Option) *StoppedClock {
	o := newOptions(opts)
	return &StoppedClock{
		virtualCore: newVirtualCore(o),
		delay:       newWaiter("", &o),
	}
}

// Delay blocks until ReleaseDelay. Only one Delay may be pending at a time;
// an overlapping call fails with ErrUsage.
func (s *StoppedClock) Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	s.mu.Lock()
	w := s.delay
	now := s.now
	s.mu.Unlock()

	err := w.enter(ctx, now, d)
	if err != nil && w.isReleased() {
		// The caller gave up, so free the slot for the next Delay.
		s.mu.Lock()
		if s.delay == w {
			s.delay = newWaiter("", &s.opts)
		}
		s.mu.Unlock()
	}
	return err
}

// WaitForDelay blocks until a caller is inside Delay and returns the
// duration it asked for, without releasing it.
func (s *StoppedClock) WaitForDelay(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	w := s.delay
	s.mu.Unlock()
	return w.peek(ctx)
}

// ReleaseDelay releases the pending Delay, first moving virtual time forward
// to the time it asked to wake at. It fails with ErrUsage if no Delay is
// pending.
func (s *StoppedClock) ReleaseDelay() error {
	return s.releaseDelay(func(w *waiter) time.Time { return w.releaseTime() })
}

// ReleaseDelayBy releases the pending Delay after advancing virtual time by d
// instead of by the requested duration.
func (s *StoppedClock) ReleaseDelayBy(d time.Duration) error {
	return s.releaseDelay(func(*waiter) time.Time { return s.now.Add(d) })
}

func (s *StoppedClock) releaseDelay(target func(w *waiter) time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.delay
	if w.isReleased() {
		return fmt.Errorf("no Delay is pending: %w", ErrUsage)
	}
	// The released caller cannot observe Now until mu is unlocked, so time
	// is already advanced by the time it runs.
	if err := w.releaseIfEntered("no Delay is pending"); err != nil {
		return err
	}
	s.advanceToLocked(target(w))
	s.delay = newWaiter("", &s.opts)
	s.log.Debug("released delay", zap.Time("now", s.now))
	return nil
}

// Reset releases every pending wait and rewinds time to the origin.
func (s *StoppedClock) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay.release()
	s.delay = newWaiter("", &s.opts)
	s.resetLocked()
}
