// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only through
// Advance. Safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Timers, tickers, and
// sleeps become pending entries that fire when Advance moves the clock
// past their deadline, in deadline order.
//
// AfterFunc callbacks run synchronously inside Advance. Calling Sleep
// or Advance from such a callback deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*pendingTimer
	registered *sync.Cond
}

// pendingTimer is one scheduled event on a FakeClock: a timer channel,
// an AfterFunc callback, or a rescheduling ticker.
type pendingTimer struct {
	deadline time.Time

	// ch receives the fire time for After, Sleep, and ticker entries;
	// nil for AfterFunc entries.
	ch chan time.Time

	// fn runs synchronously during Advance for AfterFunc entries; nil
	// otherwise.
	fn func()

	// every is non-zero for tickers: after firing, the entry is
	// rescheduled at deadline + every.
	every time.Duration

	// stopped entries are skipped and dropped on the next Advance.
	stopped bool

	// fired marks a one-shot entry that already delivered, so
	// overlapping Advance calls cannot double-fire it.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances d past
// the current fake time. Non-positive d delivers immediately without
// registering anything.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}

	c.pending = append(c.pending, &pendingTimer{
		deadline: c.now.Add(d),
		ch:       ch,
	})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances d. With d <= 0,
// f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		c.mu.Lock()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	entry := &pendingTimer{
		deadline: c.now.Add(d),
		fn:       f,
	}
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !entry.stopped && !entry.fired
			entry.stopped = false
			entry.fired = false
			entry.deadline = c.now.Add(d)
			if !active {
				// The entry was removed when it fired; put it back.
				c.pending = append(c.pending, entry)
				c.registered.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a Ticker firing every d of advanced time. Panics
// if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	entry := &pendingTimer{
		deadline: c.now.Add(d),
		ch:       ch,
		every:    d,
	}
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.every = d
			entry.deadline = c.now.Add(d)
			entry.stopped = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every pending entry
// whose deadline now falls due, in deadline order. Channel deliveries
// are non-blocking (a full buffer drops the tick, like time.Ticker);
// AfterFunc callbacks run in the calling goroutine. A ticker whose
// interval fits several times into d fires once per interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		for _, entry := range due {
			if entry.fn != nil {
				entry.fn()
			} else if entry.ch != nil {
				select {
				case entry.ch <- target:
				default:
				}
			}
		}
	}
}

// takeDue removes entries due at or before target from the pending
// list, reschedules tickers, and returns what should fire. Acquires
// c.mu itself.
func (c *FakeClock) takeDue(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*pendingTimer
	for _, entry := range c.pending {
		if entry.stopped {
			continue
		}
		if !entry.deadline.After(target) {
			due = append(due, entry)
		} else {
			keep = append(keep, entry)
		}
	}

	for _, entry := range due {
		if entry.every > 0 {
			entry.deadline = entry.deadline.Add(entry.every)
			keep = append(keep, entry)
		} else {
			entry.fired = true
		}
	}

	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n entries are pending. It is the
// handshake between a goroutine under test registering its timer and
// the test advancing the clock:
//
//	go func() { fake.Sleep(5 * time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, entry := range c.pending {
		if !entry.stopped {
			n++
		}
	}
	return n
}
