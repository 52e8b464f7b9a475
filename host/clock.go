package host

import (
	"sort"
	"sync"
	"time"
)

// Timer is a one-shot software timer. Reset arms it (re-arming an armed
// timer moves its deadline), Stop disarms it and Free releases it for good.
// Calls on a freed timer are ignored.
type Timer interface {
	Reset(d time.Duration)
	Stop() bool
	Free()
}

// Clock creates timers that run fn when they expire.
type Clock interface {
	NewTimer(fn func()) Timer
}

// WallClock creates timers backed by the runtime timer wheel.
type WallClock struct{}

func (WallClock) NewTimer(fn func()) Timer {
	return &wallTimer{fn: fn}
}

type wallTimer struct {
	mu    sync.Mutex
	fn    func()
	t     *time.Timer
	freed bool
}

func (w *wallTimer) Reset(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.freed {
		return
	}
	if w.t == nil {
		w.t = time.AfterFunc(d, w.fn)
		return
	}
	w.t.Reset(d)
}

func (w *wallTimer) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.t == nil {
		return false
	}
	return w.t.Stop()
}

func (w *wallTimer) Free() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.t != nil {
		w.t.Stop()
	}
	w.freed = true
}

// ManualClock only moves when Advance is called. Expired timers run on the
// goroutine calling Advance, in deadline order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

type manualTimer struct {
	c        *ManualClock
	fn       func()
	deadline time.Duration
	armed    bool
	freed    bool
}

func (c *ManualClock) NewTimer(fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Now returns how far the clock has been advanced.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and runs every timer that expires on
// the way, including timers re-armed by an expiring timer. It returns the
// number of timer callbacks run.
func (c *ManualClock) Advance(d time.Duration) int {
	c.mu.Lock()
	target := c.now + d
	fired := 0
	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}
		c.now = t.deadline
		t.armed = false
		fn := t.fn
		c.mu.Unlock()
		fn()
		fired++
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
	return fired
}

// Armed returns the number of armed timers.
func (c *ManualClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.armed {
			n++
		}
	}
	return n
}

// Live returns the number of timers that have not been freed.
func (c *ManualClock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *ManualClock) nextDue(target time.Duration) *manualTimer {
	due := make([]*manualTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if t.armed && t.deadline <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	return due[0]
}

func (t *manualTimer) Reset(d time.Duration) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.freed {
		return
	}
	t.deadline = t.c.now + d
	t.armed = true
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.armed
	t.armed = false
	return was
}

func (t *manualTimer) Free() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.freed {
		return
	}
	t.armed = false
	t.freed = true
	for i, o := range t.c.timers {
		if o == t {
			t.c.timers = append(t.c.timers[:i], t.c.timers[i+1:]...)
			break
		}
	}
}
