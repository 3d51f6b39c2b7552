// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the
// reconciler, the log flusher, lock renewal, session monitoring and
// long-poll timeouts.
//
// Production code holds a Clock field set to Real(). Tests set it to a
// FakeClock and move time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go reconciler.Run(ctx)
//	c.WaitForTimers(1)
//	c.Advance(30 * time.Second)
package clock
