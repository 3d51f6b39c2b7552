// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lock provides named, renewable, TTL-bounded locks stored in
// a SQLite table shared by every process that opens the same database.
//
// A lock is acquired with a TTL and renewed in the background at half
// the TTL. If the holder dies, the row expires and the next
// TryAcquire takes it over. If renewals stall long enough for another
// holder to take the lock, [Lock.Lost] closes so the original holder
// can stop acting on stale ownership.
//
// Refs in the blob store are last-write-wins; callers that need
// compare-and-swap on a ref wrap the read-modify-write in one of these
// locks (see blob.Store.CompareAndSwapRef).
package lock
