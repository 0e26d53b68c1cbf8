// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so timing-sensitive code can be tested
// deterministically.
//
// Everything in this module that watches the clock (the monitor's
// sweep ticker, the liveness refresh window) takes a Clock instead of
// calling the time package directly. Production wiring passes Real();
// tests pass Fake(initial) and drive time by hand.
//
// # Wiring
//
//	type Monitor struct {
//	    clock clock.Clock
//	    // ...
//	}
//
//	m := &Monitor{clock: clock.Real()}
//
// In a test:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	m := &Monitor{clock: c}
//	go m.Run(ctx)
//	c.WaitForTimers(1)            // sweep ticker is registered
//	c.Advance(30 * time.Second)   // fire one sweep, deterministically
//
// WaitForTimers closes the race between a goroutine registering its
// timer and the test advancing the clock; no test in this module
// synchronizes on wall-clock sleeps.
package clock
