package lockstep

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// InstantClock is a fake Clock where routine delays complete immediately
// and advance virtual time by the requested amount.
//
// DeferredWait still blocks until released, so timeout and cleanup paths
// stay under the test's control while polling loops run to completion.
type InstantClock struct {
	*virtualCore
	delays atomic.Int64
}

// Instant returns an InstantClock at the configured origin.
func Instant(opts ...Option) *InstantClock {
	return &InstantClock{virtualCore: newVirtualCore(newOptions(opts))}
}

// Delay yields to the scheduler and advances virtual time by d. Every few
// calls it also sleeps briefly in real time so a tight loop around Delay
// cannot starve other goroutines.
func (c *InstantClock) Delay(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	if every := c.opts.yieldSleepEvery; every > 0 && c.delays.Add(1)%int64(every) == 0 {
		time.Sleep(c.opts.yieldSleep)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.AdvanceTime(d)
	return nil
}

// Reset releases every pending deferred wait and rewinds time to the origin.
func (c *InstantClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays.Store(0)
	c.resetLocked()
}
