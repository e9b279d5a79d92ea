package clock

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only when Advance is
// called; AfterFunc callbacks run synchronously inside Advance, in deadline
// order, with Now() reporting each callback's own deadline.
//
// Do not call Advance from within a callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64
	callback func()
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	waiter := &fakeWaiter{callback: f}
	c.scheduleLocked(waiter, d)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			c.removeLocked(waiter)
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := !waiter.stopped && !waiter.fired
			if wasActive {
				c.removeLocked(waiter)
			}
			waiter.stopped = false
			waiter.fired = false
			c.scheduleLocked(waiter, d)
			return wasActive
		},
	}
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the new time, including timers scheduled by callbacks.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.earliestLocked()
		if next == nil || next.deadline.After(target) {
			c.current = target
			c.mu.Unlock()
			return
		}
		c.removeLocked(next)
		next.fired = true
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		callback := next.callback
		c.mu.Unlock()

		callback()
	}
}

// PendingCount returns the number of scheduled timers that have neither
// fired nor been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) scheduleLocked(waiter *fakeWaiter, d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.seq++
	waiter.seq = c.seq
	waiter.deadline = c.current.Add(d)
	c.waiters = append(c.waiters, waiter)
}

func (c *FakeClock) removeLocked(waiter *fakeWaiter) {
	for i, w := range c.waiters {
		if w == waiter {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// earliestLocked picks the next waiter by deadline, breaking ties by
// scheduling order.
func (c *FakeClock) earliestLocked() *fakeWaiter {
	var earliest *fakeWaiter
	for _, w := range c.waiters {
		if earliest == nil ||
			w.deadline.Before(earliest.deadline) ||
			(w.deadline.Equal(earliest.deadline) && w.seq < earliest.seq) {
			earliest = w
		}
	}
	return earliest
}
