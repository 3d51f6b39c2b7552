// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/mo"
)

// Builder is the write cache for log chunks.
//
// chunkOffset is the chunk's position in the log; writeOffset is
// relative to the chunk and counts the bytes it has accepted. Append
// semantics, per (logID, chunkOffset):
//
//   - The builder does not hold the chunk: Storage is consulted. A
//     stored complete chunk rejects the write; a stored open chunk is
//     resumed. With nothing stored, a write at offset zero creates the
//     chunk and any other offset returns false.
//   - The chunk is complete: Append returns false.
//   - The chunk is open and writeOffset is not the number of bytes it
//     holds: ErrNonContiguousWrite.
//   - Otherwise the data is appended and Append returns true.
//
// lineIndex is recorded on sub-chunks for readers and never checked.
//
// A chunk that was removed or completed without being held is
// tombstoned, so a late Append at its offset still returns false
// instead of recreating it. Without Storage the tombstones never
// expire.
type Builder interface {
	// FlushOnShutdown reports whether chunks live only in this
	// process and must be drained to storage before exit.
	FlushOnShutdown() bool

	Append(ctx context.Context, logID string, chunkOffset, writeOffset, lineIndex, lineCount int64, data []byte, logType LogType) (bool, error)

	// CompleteSubChunk seals the open sub-chunk. The chunk stays open.
	CompleteSubChunk(ctx context.Context, logID string, chunkOffset int64) error

	// CompleteChunk makes the chunk immutable. Later appends return false.
	CompleteChunk(ctx context.Context, logID string, chunkOffset int64) error

	// RemoveChunk evicts a chunk once it is durable in Storage.
	RemoveChunk(ctx context.Context, logID string, chunkOffset int64) error

	// GetChunk returns the cached chunk, trimmed with ChunkData.From.
	GetChunk(ctx context.Context, logID string, chunkOffset, lineIndex int64) (mo.Option[ChunkData], error)

	// TouchChunks returns every chunk not touched for minAge and
	// refreshes its touch time, so each cold chunk is handed to the
	// flusher once per minAge.
	TouchChunks(ctx context.Context, minAge time.Duration) ([]ChunkKey, error)
}

// tombstoneTTL is how long a removed chunk is rejected from memory.
// After that Storage answers for it.
const tombstoneTTL = time.Hour

// chunkStart is what a builder learns about a chunk it does not hold
// before accepting a write to it.
type chunkStart struct {
	chunk ChunkData
	// open means the write may land in chunk.
	open bool
	// closed means storage holds the chunk complete.
	closed bool
}

func startChunk(ctx context.Context, storage Storage, key ChunkKey, writeOffset, lineIndex int64, now time.Time) (chunkStart, error) {
	if storage != nil {
		stored, err := storage.ReadChunk(ctx, key.LogID, key.Offset)
		if err != nil {
			return chunkStart{}, fmt.Errorf("logbuilder: reading stored chunk %s@%d: %w", key.LogID, key.Offset, err)
		}
		if chunk, ok := stored.Get(); ok {
			return chunkStart{chunk: chunk, open: !chunk.Complete, closed: chunk.Complete}, nil
		}
	}
	if writeOffset != 0 {
		return chunkStart{}, nil
	}
	return chunkStart{chunk: newChunk(key.Offset, lineIndex, now), open: true}, nil
}

// closeStored records in storage that a chunk the builder never held
// is complete, so the completion outlives the builder's tombstone.
func closeStored(ctx context.Context, storage Storage, key ChunkKey, now time.Time) error {
	if storage == nil {
		return nil
	}
	stored, err := storage.ReadChunk(ctx, key.LogID, key.Offset)
	if err != nil {
		return fmt.Errorf("logbuilder: reading stored chunk %s@%d: %w", key.LogID, key.Offset, err)
	}
	chunk := stored.OrElse(newChunk(key.Offset, 0, now))
	if chunk.Complete {
		return nil
	}
	chunk.complete()
	chunk.Modified = now
	return storage.WriteChunk(ctx, key.LogID, chunk)
}
