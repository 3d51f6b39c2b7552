// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen's sqlitex.Pool with the pragmas
// every foreman database uses (WAL, NORMAL sync, 5s busy timeout) and
// a per-store schema applied to each connection.
//
// The lease, agent, pool, lock, blob and log-builder stores each open
// their own database file through this package. [Retry] absorbs the
// SQLITE_BUSY and SQLITE_LOCKED errors that still surface under heavy
// write contention.
package sqlitepool
