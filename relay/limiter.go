// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/tablecast/tablecast/lib/clock"
)

// limiter admits at most limit events in any rolling window. Unlike a
// token bucket it enforces the window exactly: looking back window
// from any Allow that returned true, at most limit-1 earlier
// admissions are found. The liveness refresh uses it so the shared
// store sees a bounded write rate no matter how many updates the
// relay forwards.
//
// Thread-safe.
type limiter struct {
	clk    clock.Clock
	window time.Duration
	limit  int

	mu     sync.Mutex
	events []time.Time // admission times, oldest first
}

func newLimiter(clk clock.Clock, limit int, window time.Duration) *limiter {
	if limit <= 0 || window <= 0 {
		panic(fmt.Sprintf("limiter: limit and window must be positive, got %d per %v", limit, window))
	}
	return &limiter{clk: clk, window: window, limit: limit}
}

// Allow reports whether an event may happen now, recording it if so.
// An admission stops counting once it is a full window in the past.
func (l *limiter) Allow() bool {
	now := l.clk.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	expired := 0
	for expired < len(l.events) && !l.events[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		kept := copy(l.events, l.events[expired:])
		l.events = l.events[:kept]
	}

	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
