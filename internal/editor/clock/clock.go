// Package clock abstracts the debounce timers used by the editor components.
package clock

import (
	"sync"
	"time"
)

// Clock schedules callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Real is backed by time.AfterFunc.
var Real Clock = realClock{}

// Manual is a Clock whose timers only run when Fire is called.
type Manual struct {
	mu     sync.Mutex
	timers []*ManualTimer
}

// ManualTimer is a timer created by Manual.
type ManualTimer struct {
	clock   *Manual
	f       func()
	Delay   time.Duration
	stopped bool
	fired   bool
}

// AfterFunc arms a timer that runs on the next Fire.
func (c *Manual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &ManualTimer{clock: c, f: f, Delay: d}
	c.timers = append(c.timers, t)
	return t
}

// Stop disarms the timer.
func (t *ManualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Stopped reports whether Stop was called.
func (t *ManualTimer) Stopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

// Run invokes the callback regardless of state, like a timer that fired
// just before it was stopped.
func (t *ManualTimer) Run() {
	t.f()
}

// Fire runs every armed timer on the calling goroutine and reports how many ran.
func (c *Manual) Fire() int {
	c.mu.Lock()
	var due []*ManualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

// Armed reports how many timers are waiting to fire.
func (c *Manual) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Timers returns every timer created so far, oldest first.
func (c *Manual) Timers() []*ManualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ManualTimer(nil), c.timers...)
}
