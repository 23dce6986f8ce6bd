// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Anything in the session manager that waits on wall-clock time — the
// challenge timeout, token expiry checks, simulator rate-limit windows —
// takes a Clock instead of calling the time package directly. Production
// code injects Real(); tests inject Fake() and drive time explicitly
// with Advance, which makes timeout paths deterministic.
//
//	c := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
//	broker := challenge.NewBroker(challenge.BrokerConfig{Clock: c})
//	// ... start the goroutine that waits ...
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Minute) // fires the challenge timeout
package clock
