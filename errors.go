package lockstep

import "errors"

var (
	// ErrUsage is returned when a test drives a clock or gate incorrectly, eg.
	// by entering a wait that is already entered or shutting a gate mid-cycle.
	ErrUsage = errors.New("usage error")
	// ErrTimeout is returned when a bounded wait exceeds its safety ceiling.
	// It almost always means a release was missed and the test would
	// otherwise deadlock.
	ErrTimeout = errors.New("timed out")
	// ErrReached is returned by Gate.EnsureNotReached when the gate was
	// reached during the probe window.
	ErrReached = errors.New("gate reached")
)
