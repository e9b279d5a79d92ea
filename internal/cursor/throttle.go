package cursor

import (
	"sync"
	"time"

	"github.com/dimitrije/nikode-collab/internal/clock"
)

// Throttle admits at most one call per interval. The window starts at the
// last accepted call.
//
// Allow drops calls inside the window outright. Do keeps the latest call
// made inside the window and runs it once when the window closes, so a burst
// produces one immediate send plus at most one trailing send carrying the
// final arguments.
type Throttle struct {
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	last    time.Time
	pending func()
	timer   *clock.Timer
}

func NewThrottle(c clock.Clock, interval time.Duration) *Throttle {
	return &Throttle{clock: c, interval: interval}
}

// Allow reports whether a call made now is outside the window, recording it
// as accepted if so.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acceptLocked(t.clock.Now())
}

// Do runs fn immediately when outside the window and reports true.
// Otherwise fn replaces any pending call and runs when the window closes.
func (t *Throttle) Do(fn func()) bool {
	t.mu.Lock()
	now := t.clock.Now()
	if t.acceptLocked(now) {
		t.pending = nil
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.mu.Unlock()
		fn()
		return true
	}

	t.pending = fn
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.last.Add(t.interval).Sub(now), t.flush)
	}
	t.mu.Unlock()
	return false
}

// Pending reports whether a call is waiting for the window to close.
func (t *Throttle) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Cancel drops any pending call and resets the window.
func (t *Throttle) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	t.last = time.Time{}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Throttle) acceptLocked(now time.Time) bool {
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

func (t *Throttle) flush() {
	t.mu.Lock()
	t.timer = nil
	fn := t.pending
	t.pending = nil
	if fn == nil {
		t.mu.Unlock()
		return
	}
	t.last = t.clock.Now()
	t.mu.Unlock()
	fn()
}
