package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
	interval time.Duration
	stopped  bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &fakeTimer{deadline: c.now.Add(d), ch: ch})
	c.changed.Broadcast()
	return ch
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	t := &fakeTimer{deadline: c.now.Add(d), ch: ch, interval: d}
	c.pending = append(c.pending, t)
	c.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			t.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires every timer whose deadline
// is reached, earliest first. Tickers that fall due more than once during a
// single Advance deliver at most one buffered tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			select {
			case t.ch <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collectDue(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*fakeTimer
	for _, t := range c.pending {
		switch {
		case t.stopped:
		case !t.deadline.After(target):
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		if t.interval > 0 {
			t.deadline = t.deadline.Add(t.interval)
			keep = append(keep, t)
		}
	}
	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n timers or tickers are pending. Tests
// call it before Advance so the goroutine under test has registered its
// timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount reports the number of unfired, unstopped timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, t := range c.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}
