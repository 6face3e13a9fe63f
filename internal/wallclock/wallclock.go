// Package wallclock abstracts wall-clock time and timers so tests can
// interpose a fake without threading a clock argument through every call.
package wallclock

import (
	"context"
	"time"
)

type (
	// WallClock abstracts a subset of functionality from packages context and
	// time.
	WallClock interface {
		WithTimeoutCause(
			parent context.Context,
			timeout time.Duration,
			cause error,
		) (context.Context, context.CancelFunc)
		After(d time.Duration) <-chan time.Time
		NewTimer(d time.Duration) Timer
		Now() time.Time
	}

	// Timer abstracts the functionality of time.Timer.
	Timer interface {
		C() <-chan time.Time
		Reset(d time.Duration) bool
		Stop() bool
	}

	wallClock struct{}

	timer struct{ *time.Timer }
)

func (wallClock) WithTimeoutCause(
	parent context.Context,
	timeout time.Duration,
	cause error,
) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, timeout, cause)
}

func (wallClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (wallClock) NewTimer(d time.Duration) Timer {
	return timer{time.NewTimer(d)}
}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (t timer) C() <-chan time.Time {
	return t.Timer.C
}

// Instance is the WallClock singleton used by the runtime. Test code may
// replace it to control apparent time.
var Instance WallClock = wallClock{}
