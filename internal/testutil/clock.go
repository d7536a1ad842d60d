package testutil

import (
	"sort"
	"sync"
	"time"

	"market-strength-bot/internal/alarm"
)

// ManualClock is an alarm.Clock whose time only moves when the test says so.
// Due callbacks run synchronously inside Advance, in deadline order.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	seq      int
	fn       func()
	done     bool
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current frozen time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock reaches now+d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) alarm.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, deadline: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d and runs every callback that became due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves the clock to t and runs every callback that became due.
func (c *ManualClock) Set(t time.Time) {
	for {
		c.mu.Lock()
		var due *manualTimer
		for _, timer := range c.timers {
			if timer.done || timer.deadline.After(t) {
				continue
			}
			if due == nil || timer.deadline.Before(due.deadline) ||
				(timer.deadline.Equal(due.deadline) && timer.seq < due.seq) {
				due = timer
			}
		}
		if due == nil {
			c.now = t
			c.compactLocked()
			c.mu.Unlock()
			return
		}
		due.done = true
		if due.deadline.After(c.now) {
			c.now = due.deadline
		}
		c.mu.Unlock()

		due.fn()
	}
}

// Pending returns the deadlines of timers that have neither fired nor been stopped.
func (c *ManualClock) Pending() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.done {
			out = append(out, t.deadline)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (c *ManualClock) compactLocked() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	c.timers = live
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
