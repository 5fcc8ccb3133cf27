package lockstep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// virtualCore is the state shared by the fake clocks: virtual time, the
// named-wait registry and the CancelAfter tasks. Each fake clock owns one.
//
// mu guards now, named and any per-clock state the owning clock keeps next to
// them. Waiters are only ever locked while mu is held, never the other way
// around.
type virtualCore struct {
	opts options
	log  *zap.Logger

	mu    sync.Mutex
	now   time.Time
	named map[string]*waiter

	tasks errgroup.Group
}

func newVirtualCore(o options) *virtualCore {
	return &virtualCore{
		opts:  o,
		log:   o.log,
		now:   o.origin,
		named: map[string]*waiter{},
	}
}

// Now returns the current virtual time.
func (c *virtualCore) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the virtual time elapsed since t.
func (c *virtualCore) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// AdvanceTime moves virtual time forward by d. A non-positive d is a no-op.
func (c *virtualCore) AdvanceTime(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SetTime moves virtual time forward to t. Virtual time never moves
// backward, so a t before Now is a no-op.
func (c *virtualCore) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceToLocked(t)
}

func (c *virtualCore) advanceToLocked(t time.Time) {
	if t.After(c.now) {
		c.now = t
	}
}

// DeferredWait blocks until the wait registered under name is released by
// ReleaseDeferred or Reset, ctx is done, or the safety ceiling elapses.
func (c *virtualCore) DeferredWait(ctx context.Context, d time.Duration, name string) error {
	if name == "" {
		name = DefaultWaitName
	}
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	w := c.namedLocked(name)
	err := w.begin(c.now, d)
	c.mu.Unlock()
	if err == nil {
		err = w.await(ctx)
	}

	// A rejected overlapping wait leaves the registered waiter in place for
	// the caller that owns it.
	if w.isReleased() {
		c.mu.Lock()
		if c.named[name] == w {
			delete(c.named, name)
		}
		c.mu.Unlock()
	}
	return err
}

// namedLocked returns the live waiter for name, creating it if there is none.
func (c *virtualCore) namedLocked(name string) *waiter {
	w, ok := c.named[name]
	if !ok || w.isReleased() {
		w = newWaiter(name, &c.opts)
		c.named[name] = w
	}
	return w
}

// snapshot returns the waiters for names, or every registered waiter a
// caller is currently suspended in when no names are given.
func (c *virtualCore) snapshot(names []string) (map[string]*waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := map[string]*waiter{}
	if len(names) == 0 {
		for name, w := range c.named {
			if w.entered.isSet() && !w.isReleased() {
				waiters[name] = w
			}
		}
		if len(waiters) == 0 {
			return nil, fmt.Errorf("no deferred wait has been entered: %w", ErrUsage)
		}
		return waiters, nil
	}
	for _, name := range names {
		if name == "" {
			name = DefaultWaitName
		}
		waiters[name] = c.namedLocked(name)
	}
	return waiters, nil
}

// forget drops registry entries the driver created for waits that nobody
// entered, so a wait that never arrived does not linger.
func (c *virtualCore) forget(waiters map[string]*waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, w := range waiters {
		if c.named[name] == w && !w.entered.isSet() {
			delete(c.named, name)
		}
	}
}

// WaitForDeferred blocks until every named wait has been entered and returns
// the duration each caller asked for. With no names it observes every wait a
// caller is already suspended in.
func (c *virtualCore) WaitForDeferred(ctx context.Context, names ...string) (map[string]time.Duration, error) {
	waiters, err := c.snapshot(names)
	if err != nil {
		return nil, err
	}
	requested := make(map[string]time.Duration, len(waiters))
	for name, w := range waiters {
		d, err := w.peek(ctx)
		if err != nil {
			c.forget(waiters)
			return nil, err
		}
		requested[name] = d
	}
	return requested, nil
}

// ReleaseDeferred waits for every named wait to be entered, then releases
// them together. Virtual time advances once, to the latest release time
// among them. With no names it releases every wait a caller is already
// suspended in; name the waits to release ones that have not arrived yet.
func (c *virtualCore) ReleaseDeferred(ctx context.Context, names ...string) error {
	waiters, err := c.snapshot(names)
	if err != nil {
		return err
	}
	for _, w := range waiters {
		if _, err := w.peek(ctx); err != nil {
			c.forget(waiters)
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	latest := c.now
	for _, w := range waiters {
		if w.isReleased() {
			continue
		}
		if t := w.releaseTime(); t.After(latest) {
			latest = t
		}
	}
	c.advanceToLocked(latest)
	for name, w := range waiters {
		if err := w.releaseIfEntered("release deferred"); err != nil {
			return err
		}
		c.log.Debug("released deferred wait", zap.String("name", name), zap.Time("now", c.now))
	}
	return nil
}

// CancelAfter runs DeferredWait(d, name) in the background and calls cancel
// once it completes. A failed wait is logged and reported by Wait.
func (c *virtualCore) CancelAfter(cancel context.CancelFunc, d time.Duration, name string) error {
	if name == "" {
		return fmt.Errorf("CancelAfter requires a wait name: %w", ErrUsage)
	}
	c.tasks.Go(func() error {
		if err := c.DeferredWait(context.Background(), d, name); err != nil {
			c.log.Error("cancel-after wait failed",
				zap.String("name", name),
				zap.Duration("delay", d),
				zap.Error(err))
			return fmt.Errorf("cancel after %q: %w", name, err)
		}
		cancel()
		return nil
	})
	return nil
}

// Wait blocks until every CancelAfter task has finished and returns the
// first failure. Failures are sticky for the life of the clock.
func (c *virtualCore) Wait() error {
	return c.tasks.Wait()
}

// resetLocked releases every named waiter and rewinds time to the origin.
func (c *virtualCore) resetLocked() {
	for _, w := range c.named {
		w.release()
	}
	c.named = map[string]*waiter{}
	c.now = c.opts.origin
	c.log.Debug("clock reset", zap.Time("origin", c.now))
}
