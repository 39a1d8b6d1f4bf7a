package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialised to initial. Time stands still until Advance.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock. Timers and tickers fire during Advance, in
// deadline order. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After fires once the clock has been advanced past now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), channel: ch})
	return ch
}

// NewTicker registers a periodic waiter. Ticks are dropped when the consumer lags.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	waiter := &fakeWaiter{deadline: c.current.Add(d), interval: d, channel: make(chan time.Time, 1)}
	c.waiters = append(c.waiters, waiter)
	return &Ticker{C: waiter.channel, stop: func() {
		c.mu.Lock()
		waiter.stopped = true
		c.mu.Unlock()
	}}
}

// Advance moves the clock forward by d and fires every waiter whose deadline passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)

	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		for !w.deadline.After(c.current) {
			select {
			case w.channel <- w.deadline:
			default:
			}
			if w.interval == 0 {
				w.stopped = true
				break
			}
			w.deadline = w.deadline.Add(w.interval)
		}
		if !w.stopped {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

// Set jumps to t. Moving backwards does not fire waiters.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	delta := t.Sub(c.current)
	if delta <= 0 {
		c.current = t
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Advance(delta)
}
