// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool models agent pools and keeps their workspace sets in
// line with stream configuration.
//
// A [Pool] groups interchangeable agents. Its Workspaces field is
// derived data: the [Reconciler] recomputes it on a timer from the
// active [Stream] definitions and writes it back with
// [Store.TryUpdateWorkspaces], a compare-and-swap on the pool version.
// A rejected swap restarts the whole tick from a fresh snapshot rather
// than patching a stale diff. The admin API owns the remaining pool
// fields and writes them through [Store.UpdateConfig].
//
// Stores exist for memory, SQLite (zombiezen) and Postgres (sqlx with
// lib/pq). Streams come from memory or from a directory of JSONC files.
package pool
