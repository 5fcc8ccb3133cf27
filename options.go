package lockstep

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the real-time ceiling applied to every bounded wait.
	DefaultTimeout = 30 * time.Second
	// DefaultProbeInterval is how long Gate.EnsureNotReached watches a gate.
	DefaultProbeInterval = 50 * time.Millisecond
	// DefaultWaitName is used by DeferredWait when no name is given.
	DefaultWaitName = "default"

	defaultYieldSleepEvery = 10
	defaultYieldSleep      = time.Millisecond
)

// DefaultOrigin is the virtual time fake clocks start at, and return to on Reset.
var DefaultOrigin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Option configures a clock or a Gate. Options that do not apply to the
// value being constructed are ignored.
type Option func(*options)

type options struct {
	timeout         time.Duration
	log             *zap.Logger
	origin          time.Time
	probe           time.Duration
	yieldSleepEvery int
	yieldSleep      time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		timeout:         DefaultTimeout,
		log:             zap.NewNop(),
		origin:          DefaultOrigin,
		probe:           DefaultProbeInterval,
		yieldSleepEvery: defaultYieldSleepEvery,
		yieldSleep:      defaultYieldSleep,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTimeout sets the real-time ceiling for bounded waits.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger used for diagnostics and background failures.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithOrigin sets the initial virtual time of a fake clock.
func WithOrigin(t time.Time) Option {
	return func(o *options) { o.origin = t }
}

// WithProbeInterval sets how long Gate.EnsureNotReached waits before checking.
func WithProbeInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.probe = d
		}
	}
}

// WithYieldSleep makes every nth InstantClock.Delay sleep for d of real time.
// A non-positive every disables the sleep.
func WithYieldSleep(every int, d time.Duration) Option {
	return func(o *options) {
		o.yieldSleepEvery = every
		o.yieldSleep = d
	}
}
