package scenario

import (
	"sort"
	"time"

	"github.com/srg/rasd/internal/ras"
)

// ManualClock is a ras.Clock whose time only moves when Advance is called.
// Timers fire synchronously from Advance, in deadline order.
type ManualClock struct {
	now    time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Duration
	seq      int
	f        func()
	done     bool
}

// NewManualClock creates a clock at time zero.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// AfterFunc implements ras.Clock
func (c *ManualClock) AfterFunc(d time.Duration, f func()) ras.Timer {
	c.seq++
	t := &manualTimer{clock: c, deadline: c.now + d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop implements ras.Timer
func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	t.clock.remove(t)
	return true
}

func (c *ManualClock) remove(t *manualTimer) {
	for i, pending := range c.timers {
		if pending == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, firing every timer that falls due.
// Timers armed by a firing callback fire too if they fall inside the window.
func (c *ManualClock) Advance(d time.Duration) {
	target := c.now + d
	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}
		c.now = t.deadline
		t.done = true
		c.remove(t)
		t.f()
	}
	c.now = target
}

func (c *ManualClock) nextDue(target time.Duration) *manualTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline != c.timers[j].deadline {
			return c.timers[i].deadline < c.timers[j].deadline
		}
		return c.timers[i].seq < c.timers[j].seq
	})
	if c.timers[0].deadline > target {
		return nil
	}
	return c.timers[0]
}

// Now returns the elapsed manual time.
func (c *ManualClock) Now() time.Duration {
	return c.now
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	return len(c.timers)
}
