// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds shared test helpers.
//
// [RequireReceive], [RequireClosed] and [RequireNoReceive] are the only
// places tests touch the wall clock; everything else runs on
// clock.FakeClock. [UniqueID] names test fixtures.
package testutil
