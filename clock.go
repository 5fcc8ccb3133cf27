package lockstep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Clock is the time capability handed to code under test.
//
// Production code uses Real(). Tests use Stopped() or Instant() to decide
// exactly when every wait completes.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
	// Delay waits for a routine period such as a backoff or a polling
	// interval. A non-positive d returns without blocking.
	Delay(ctx context.Context, d time.Duration) error
	// DeferredWait waits for an exceptional period, eg. a timeout or
	// cleanup path, that a test wants explicit control over. Fake clocks
	// always block here until the named wait is released. An empty name
	// means DefaultWaitName.
	DeferredWait(ctx context.Context, d time.Duration, name string) error
	// CancelAfter calls cancel once DeferredWait(d, name) completes in the
	// background. name is required.
	CancelAfter(cancel context.CancelFunc, d time.Duration, name string) error
}

var (
	_ Clock = (*RealClock)(nil)
	_ Clock = (*StoppedClock)(nil)
	_ Clock = (*InstantClock)(nil)
)

// RealClock is a Clock backed by the time package.
type RealClock struct {
	log *zap.Logger
}

// Real returns a Clock backed by the time package.
func Real(opts ...Option) *RealClock {
	o := newOptions(opts)
	return &RealClock{log: o.log}
}

func (*RealClock) Now() time.Time {
	return time.Now()
}

func (*RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (*RealClock) Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RealClock) DeferredWait(ctx context.Context, d time.Duration, name string) error {
	return c.Delay(ctx, d)
}

func (c *RealClock) CancelAfter(cancel context.CancelFunc, d time.Duration, name string) error {
	if name == "" {
		return fmt.Errorf("CancelAfter requires a wait name: %w", ErrUsage)
	}
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		c.log.Debug("cancelling after delay", zap.String("name", name), zap.Duration("delay", d))
		cancel()
	})
	return nil
}
