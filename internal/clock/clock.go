// Package clock abstracts time so the heartbeat, throttle, typing and sweep
// timers of a session can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the collaboration core uses.
// Production code injects Real(); tests inject Fake().
type Clock interface {
	Now() time.Time

	// AfterFunc waits for d, then calls f. The returned Timer can cancel
	// the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the Timer from firing. It returns false if the timer has
// already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the Timer to fire after d. It returns true if the
// timer was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
