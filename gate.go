package lockstep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Gate is a two-phase checkpoint shared by a test driver and the code under
// test.
//
// The code under test calls ReachAndWait at the checkpoint. The driver calls
// WaitToBeReached to learn it got there, inspects whatever it likes, and then
// calls Open to let it through. Each reach/open cycle is a generation; Shut
// and OpenAndShut start a new one, and signals from an old generation are
// never seen by waits in a later one.
//
//	gate := lockstep.NewGate()
//	go func() { _ = gate.ReachAndWait(ctx); work() }()
//	_ = gate.WaitToBeReached(ctx)
//	gate.Open()
type Gate struct {
	timeout time.Duration
	probe   time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	reached *signal
	opened  *signal
}

// NewGate returns an unreached, closed Gate.
func NewGate(opts ...Option) *Gate {
	o := newOptions(opts)
	return &Gate{
		timeout: o.timeout,
		probe:   o.probe,
		log:     o.log,
		reached: newSignal(),
		opened:  newSignal(),
	}
}

// WaitToBeReached blocks until ReachAndWait is called in the current
// generation. It fails with ErrTimeout if that does not happen within the
// safety ceiling.
func (g *Gate) WaitToBeReached(ctx context.Context) error {
	g.mu.Lock()
	reached := g.reached
	g.mu.Unlock()
	return reached.wait(ctx, g.timeout, "gate was not reached")
}

// ReachAndWait marks the gate reached and blocks until it is opened.
func (g *Gate) ReachAndWait(ctx context.Context) error {
	// Capture opened in the same critical section that marks reached so an
	// Open racing with us cannot be missed.
	g.mu.Lock()
	g.reached.fire()
	opened := g.opened
	g.mu.Unlock()

	err := opened.wait(ctx, g.timeout, "gate was not opened")
	if err != nil {
		g.log.Debug("gate wait ended without open", zap.Error(err))
	}
	return err
}

// Open lets current and future waiters of this generation through.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened.fire()
}

// OpenAndShut opens the gate for current waiters and immediately starts a
// new generation.
func (g *Gate) OpenAndShut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened.fire()
	g.shutLocked()
}

// WaitToBeReachedAndAllowThrough waits for the gate to be reached, then opens
// and shuts it.
//
// This is only safe when nothing can reach the gate again before the test
// has confirmed, by some other means, that the first pass completed.
func (g *Gate) WaitToBeReachedAndAllowThrough(ctx context.Context) error {
	if err := g.WaitToBeReached(ctx); err != nil {
		return err
	}
	g.OpenAndShut()
	return nil
}

// IsReached reports whether the current generation has been reached. The
// answer may be stale by the time it is used.
func (g *Gate) IsReached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reached.isSet()
}

// IsOpened reports whether the current generation has been opened. The
// answer may be stale by the time it is used.
func (g *Gate) IsOpened() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened.isSet()
}

// EnsureNotReached waits for the probe interval and fails with ErrReached if
// the gate was reached in the meantime. A nil result is evidence, not proof.
func (g *Gate) EnsureNotReached(ctx context.Context) error {
	// Check the generation that was current when the probe started, so an
	// OpenAndShut during the window cannot hide a reach.
	g.mu.Lock()
	reached := g.reached
	g.mu.Unlock()

	timer := time.NewTimer(g.probe)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	if reached.isSet() {
		return fmt.Errorf("within %s: %w", g.probe, ErrReached)
	}
	return nil
}

// Shut starts a new generation. Unless force is set it fails with ErrUsage
// if the current generation has not been both reached and opened.
func (g *Gate) Shut(force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !force && !(g.reached.isSet() && g.opened.isSet()) {
		return fmt.Errorf("gate shut before it was reached and opened (reached=%t, opened=%t): %w",
			g.reached.isSet(), g.opened.isSet(), ErrUsage)
	}
	g.shutLocked()
	return nil
}

func (g *Gate) shutLocked() {
	g.reached = newSignal()
	g.opened = newSignal()
}
