// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logbuilder absorbs high-rate appends to many concurrent logs
// and turns them into few large durable writes.
//
// A log is a byte stream divided into chunks. A chunk is identified by
// (log id, byte offset of its first byte) and holds sub-chunks: runs of
// appends of a single [LogType]. Writers append whole lines with a
// write offset counted from the start of the chunk; the [Builder]
// accepts a write only if it continues the open chunk exactly, which
// detects lost or duplicated writes without any coordination beyond
// the chunk's own mutex. Completing a chunk makes it immutable, and later appends to it
// return false so the writer moves to a new chunk.
//
// Two builders exist: [MemoryBuilder] keeps chunks in memory and must
// be drained on shutdown; [SQLiteBuilder] keeps them in SQLite and
// survives restarts.
//
// The [Flusher] periodically takes cold chunks from the builder,
// persists them to [Storage] ([BlobStorage] puts them in the blob
// store), and evicts those that are complete. [Reader] serves viewers
// from the builder or, once evicted, from storage. [Writer] is the
// agent side: an io.Writer that tracks offsets and handles chunk
// rollover.
package logbuilder
