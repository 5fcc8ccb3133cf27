package lockstep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStoppedClockNow(t *testing.T) {
	clock := Stopped(WithOrigin(epoch))
	requireTime(t, epoch, clock.Now())
	clock.AdvanceTime(5 * time.Second)
	requireTime(t, epoch.Add(5*time.Second), clock.Now())
	require.Equal(t, 5*time.Second, clock.Since(epoch))
}

func TestStoppedClockDefaultOrigin(t *testing.T) {
	requireTime(t, DefaultOrigin, Stopped().Now())
}

func TestStoppedClockNeverMovesBackward(t *testing.T) {
	clock := Stopped(WithOrigin(epoch))
	clock.AdvanceTime(-time.Second)
	requireTime(t, epoch, clock.Now())
	clock.SetTime(epoch.Add(time.Hour))
	clock.SetTime(epoch)
	requireTime(t, epoch.Add(time.Hour), clock.Now())
}

func TestStoppedClockDelayReleasesAtRequestedTime(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	woke := make(chan time.Time, 1)
	errs := async(func() error {
		err := clock.Delay(ctx, 500*time.Millisecond)
		woke <- clock.Now()
		return err
	})

	d, err := clock.WaitForDelay(ctx)
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, d)

	clock.AdvanceTime(499 * time.Millisecond)
	requireBlocked(t, errs)

	clock.AdvanceTime(time.Millisecond)
	require.NoError(t, clock.ReleaseDelay())
	require.NoError(t, requireReturns(t, errs))
	requireTime(t, epoch.Add(500*time.Millisecond), <-woke)
}

func TestStoppedClockReleaseAdvancesToReleaseTime(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	errs := async(func() error { return clock.Delay(ctx, time.Minute) })
	_, err := clock.WaitForDelay(ctx)
	require.NoError(t, err)

	clock.AdvanceTime(10 * time.Second)
	require.NoError(t, clock.ReleaseDelay())
	require.NoError(t, requireReturns(t, errs))
	requireTime(t, epoch.Add(time.Minute), clock.Now())
}

func TestStoppedClockReleaseNeverRewinds(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	errs := async(func() error { return clock.Delay(ctx, time.Second) })
	_, err := clock.WaitForDelay(ctx)
	require.NoError(t, err)

	clock.AdvanceTime(time.Hour)
	require.NoError(t, clock.ReleaseDelay())
	require.NoError(t, requireReturns(t, errs))
	requireTime(t, epoch.Add(time.Hour), clock.Now())
}

func TestStoppedClockReleaseDelayBy(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	errs := async(func() error { return clock.Delay(ctx, time.Second) })
	_, err := clock.WaitForDelay(ctx)
	require.NoError(t, err)

	require.NoError(t, clock.ReleaseDelayBy(2*time.Hour))
	require.NoError(t, requireReturns(t, errs))
	requireTime(t, epoch.Add(2*time.Hour), clock.Now())
}

func TestStoppedClockReleaseWithoutDelay(t *testing.T) {
	clock := Stopped()
	require.ErrorIs(t, clock.ReleaseDelay(), ErrUsage)
}

func TestStoppedClockOverlappingDelay(t *testing.T) {
	ctx := context.Background()
	clock := Stopped()
	errs := async(func() error { return clock.Delay(ctx, time.Second) })
	_, err := clock.WaitForDelay(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, clock.Delay(ctx, time.Second), ErrUsage)

	require.NoError(t, clock.ReleaseDelay())
	require.NoError(t, requireReturns(t, errs))
}

func TestStoppedClockSequentialDelays(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	errs := async(func() error {
		for i := 0; i < 3; i++ {
			if err := clock.Delay(ctx, time.Second); err != nil {
				return err
			}
		}
		return nil
	})
	for i := 0; i < 3; i++ {
		_, err := clock.WaitForDelay(ctx)
		require.NoError(t, err)
		require.NoError(t, clock.ReleaseDelay())
	}
	require.NoError(t, requireReturns(t, errs))
	requireTime(t, epoch.Add(3*time.Second), clock.Now())
}

func TestStoppedClockNonPositiveDelay(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	require.NoError(t, clock.Delay(ctx, 0))
	require.NoError(t, clock.Delay(ctx, -time.Hour))
	requireTime(t, epoch, clock.Now())
}

func TestStoppedClockCancelledDelayFreesSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := Stopped()
	errs := async(func() error { return clock.Delay(ctx, time.Second) })
	_, err := clock.WaitForDelay(context.Background())
	require.NoError(t, err)

	cancel()
	require.ErrorIs(t, requireReturns(t, errs), context.Canceled)

	errs = async(func() error { return clock.Delay(context.Background(), 2*time.Second) })
	d, err := clock.WaitForDelay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)
	require.NoError(t, clock.ReleaseDelay())
	require.NoError(t, requireReturns(t, errs))
}

func TestStoppedClockDelayTimeout(t *testing.T) {
	clock := Stopped(WithTimeout(20 * time.Millisecond))
	require.ErrorIs(t, clock.Delay(context.Background(), time.Second), ErrTimeout)
}

func TestStoppedClockWaitForDelayTimeout(t *testing.T) {
	clock := Stopped(WithTimeout(20 * time.Millisecond))
	_, err := clock.WaitForDelay(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestStoppedClockReleaseDeferredTogether(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	x := async(func() error { return clock.DeferredWait(ctx, time.Hour, "x") })
	y := async(func() error { return clock.DeferredWait(ctx, time.Hour, "y") })

	require.NoError(t, clock.ReleaseDeferred(ctx, "x", "y"))
	require.NoError(t, requireReturns(t, x))
	require.NoError(t, requireReturns(t, y))
	requireTime(t, epoch.Add(time.Hour), clock.Now())
}

func TestStoppedClockReleaseAllDeferredTogether(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	x := async(func() error { return clock.DeferredWait(ctx, time.Hour, "x") })
	y := async(func() error { return clock.DeferredWait(ctx, time.Hour, "y") })

	// Releasing everything only covers waits already entered.
	_, err := clock.WaitForDeferred(ctx, "x", "y")
	require.NoError(t, err)
	require.NoError(t, clock.ReleaseDeferred(ctx))
	require.NoError(t, requireReturns(t, x))
	require.NoError(t, requireReturns(t, y))
	requireTime(t, epoch.Add(time.Hour), clock.Now())
}

func TestStoppedClockMissedDeferredWaitIsForgotten(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := clock.WaitForDeferred(short, "ghost")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	x := async(func() error { return clock.DeferredWait(ctx, time.Minute, "x") })
	_, err = clock.WaitForDeferred(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, clock.ReleaseDeferred(ctx))
	require.NoError(t, requireReturns(t, x))
	requireTime(t, epoch.Add(time.Minute), clock.Now())

	// A named release that fails is forgotten the same way.
	short, cancel = context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, clock.ReleaseDeferred(short, "ghost"), context.DeadlineExceeded)
	require.ErrorIs(t, clock.ReleaseDeferred(ctx), ErrUsage)
}

func TestStoppedClockReleaseDeferredUsesLatestTime(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	x := async(func() error { return clock.DeferredWait(ctx, time.Hour, "x") })
	y := async(func() error { return clock.DeferredWait(ctx, 2*time.Hour, "y") })

	requested, err := clock.WaitForDeferred(ctx, "x", "y")
	require.NoError(t, err)
	require.Equal(t, map[string]time.Duration{"x": time.Hour, "y": 2 * time.Hour}, requested)

	// Both are registered now, so releasing everything picks them up.
	require.NoError(t, clock.ReleaseDeferred(ctx))
	require.NoError(t, requireReturns(t, x))
	require.NoError(t, requireReturns(t, y))
	requireTime(t, epoch.Add(2*time.Hour), clock.Now())
}

func TestStoppedClockReleaseDeferredIndividually(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	x := async(func() error { return clock.DeferredWait(ctx, time.Minute, "x") })
	y := async(func() error { return clock.DeferredWait(ctx, time.Hour, "y") })

	require.NoError(t, clock.ReleaseDeferred(ctx, "x"))
	require.NoError(t, requireReturns(t, x))
	requireTime(t, epoch.Add(time.Minute), clock.Now())
	requireBlocked(t, y)

	require.NoError(t, clock.ReleaseDeferred(ctx, "y"))
	require.NoError(t, requireReturns(t, y))
	requireTime(t, epoch.Add(time.Hour), clock.Now())
}

func TestStoppedClockDeferredDefaultName(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	errs := async(func() error { return clock.DeferredWait(ctx, time.Minute, "") })

	requested, err := clock.WaitForDeferred(ctx, DefaultWaitName)
	require.NoError(t, err)
	require.Equal(t, time.Minute, requested[DefaultWaitName])
	require.NoError(t, clock.ReleaseDeferred(ctx, ""))
	require.NoError(t, requireReturns(t, errs))
}

func TestStoppedClockOverlappingDeferredWait(t *testing.T) {
	ctx := context.Background()
	clock := Stopped()
	errs := async(func() error { return clock.DeferredWait(ctx, time.Minute, "x") })
	_, err := clock.WaitForDeferred(ctx, "x")
	require.NoError(t, err)

	require.ErrorIs(t, clock.DeferredWait(ctx, time.Minute, "x"), ErrUsage)

	// The rejected call must not unregister the original wait.
	require.NoError(t, clock.ReleaseDeferred(ctx))
	require.NoError(t, requireReturns(t, errs))
}

func TestStoppedClockReleaseDeferredWithNothingRegistered(t *testing.T) {
	clock := Stopped()
	require.ErrorIs(t, clock.ReleaseDeferred(context.Background()), ErrUsage)
	_, err := clock.WaitForDeferred(context.Background())
	require.ErrorIs(t, err, ErrUsage)
}

func TestStoppedClockDeferredWaitCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := Stopped()
	x := async(func() error { return clock.DeferredWait(ctx, time.Minute, "x") })
	y := async(func() error { return clock.DeferredWait(context.Background(), time.Minute, "y") })
	_, err := clock.WaitForDeferred(context.Background(), "x", "y")
	require.NoError(t, err)

	cancel()
	require.ErrorIs(t, requireReturns(t, x), context.Canceled)
	requireBlocked(t, y)

	require.NoError(t, clock.ReleaseDeferred(context.Background(), "y"))
	require.NoError(t, requireReturns(t, y))
}

func TestStoppedClockReset(t *testing.T) {
	ctx := context.Background()
	clock := Stopped(WithOrigin(epoch))
	clock.AdvanceTime(time.Hour)
	delay := async(func() error { return clock.Delay(ctx, time.Second) })
	deferred := async(func() error { return clock.DeferredWait(ctx, time.Second, "x") })
	_, err := clock.WaitForDelay(ctx)
	require.NoError(t, err)
	_, err = clock.WaitForDeferred(ctx, "x")
	require.NoError(t, err)

	clock.Reset()
	require.NoError(t, requireReturns(t, delay))
	require.NoError(t, requireReturns(t, deferred))
	requireTime(t, epoch, clock.Now())
	require.ErrorIs(t, clock.ReleaseDeferred(ctx), ErrUsage)

	// The clock is usable again after a reset.
	delay = async(func() error { return clock.Delay(ctx, time.Second) })
	_, err = clock.WaitForDelay(ctx)
	require.NoError(t, err)
	require.NoError(t, clock.ReleaseDelay())
	require.NoError(t, requireReturns(t, delay))
}

func TestStoppedClockCancelAfter(t *testing.T) {
	clock := Stopped(WithOrigin(epoch))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, clock.CancelAfter(cancel, time.Minute, "timeout"))
	requested, err := clock.WaitForDeferred(context.Background(), "timeout")
	require.NoError(t, err)
	require.Equal(t, time.Minute, requested["timeout"])
	require.NoError(t, ctx.Err())

	require.NoError(t, clock.ReleaseDeferred(context.Background(), "timeout"))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled")
	}
	require.NoError(t, clock.Wait())
	requireTime(t, epoch.Add(time.Minute), clock.Now())
}

func TestStoppedClockCancelAfterRequiresName(t *testing.T) {
	clock := Stopped()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.ErrorIs(t, clock.CancelAfter(cancel, time.Minute, ""), ErrUsage)
}

func TestStoppedClockCancelAfterFailureIsReported(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	clock := Stopped(WithTimeout(20*time.Millisecond), WithLogger(zap.New(core)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, clock.CancelAfter(cancel, time.Minute, "timeout"))
	err := clock.Wait()
	require.ErrorIs(t, err, ErrTimeout)
	require.Contains(t, err.Error(), `"timeout"`)
	require.NoError(t, ctx.Err())

	entries := logs.FilterMessage("cancel-after wait failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "timeout", entries[0].ContextMap()["name"])
}
