// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob is foreman's content-addressed storage.
//
// A blob is an immutable byte payload plus an ordered list of the
// blob hashes it depends on. Its id is the BLAKE3 keyed hash of the
// payload, so hash(content) == id by construction and a blob never
// needs locking. Writing the same payload twice yields the same id
// and the second write only refreshes the blob's recency timestamp.
// A read of an unknown id reports not-found as a boolean.
//
// A ref is a named, mutable record with the same shape. Refs are the
// only mutable entry point into the blob graph: log chunk indexes,
// compute channel heads and directory roots hang off refs. Writes are
// last-write-wins; [Store.CompareAndSwapRef] layers a compare-and-swap
// on top using a lib/lock lock.
//
// Storage goes through the [Backend] interface. [MemoryBackend],
// [FileBackend] and [SQLiteBackend] are provided; [CachedBackend] adds
// an LRU read cache for blob keys. Records are CBOR envelopes whose
// payload is optionally zstd or LZ4 compressed; the content hash is
// always over the uncompressed payload.
//
// [Store.GarbageCollect] removes old blobs not reachable from any ref.
package blob
