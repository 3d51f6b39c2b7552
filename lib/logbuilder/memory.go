// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/bureau-foundation/foreman/lib/clock"
)

// MemoryBuilder keeps chunks in process memory. Each chunk has its own
// mutex so appends to different logs never contend; the map lock is
// held only to find or create a chunk.
type MemoryBuilder struct {
	clock   clock.Clock
	storage Storage

	mu         sync.RWMutex
	chunks     map[ChunkKey]*memoryChunk
	tombstones map[ChunkKey]time.Time
}

type memoryChunk struct {
	mu      sync.Mutex
	data    ChunkData
	touched time.Time
}

// NewMemoryBuilder returns an empty builder. storage may be nil; when
// set it is read before a chunk is created, so a chunk completed and
// evicted earlier is never reopened, and completing a chunk this
// builder never held is recorded there.
func NewMemoryBuilder(clk clock.Clock, storage Storage) *MemoryBuilder {
	return &MemoryBuilder{
		clock:      clk,
		storage:    storage,
		chunks:     make(map[ChunkKey]*memoryChunk),
		tombstones: make(map[ChunkKey]time.Time),
	}
}

// FlushOnShutdown is true: nothing survives the process.
func (b *MemoryBuilder) FlushOnShutdown() bool { return true }

func (b *MemoryBuilder) Append(ctx context.Context, logID string, chunkOffset, writeOffset, lineIndex, lineCount int64, data []byte, logType LogType) (bool, error) {
	key := ChunkKey{LogID: logID, Offset: chunkOffset}
	chunk, err := b.findOrCreate(ctx, key, writeOffset, lineIndex)
	if err != nil || chunk == nil {
		return false, err
	}

	chunk.mu.Lock()
	defer chunk.mu.Unlock()
	now := b.clock.Now()
	accepted, err := chunk.data.append(writeOffset, lineIndex, lineCount, data, logType, now)
	if accepted {
		chunk.touched = now
	}
	return accepted, err
}

// findOrCreate returns the chunk for key, creating it when this write
// may start or resume it. Nil means the write cannot land in this chunk.
func (b *MemoryBuilder) findOrCreate(ctx context.Context, key ChunkKey, writeOffset, lineIndex int64) (*memoryChunk, error) {
	b.mu.RLock()
	chunk, ok := b.chunks[key]
	_, removed := b.tombstones[key]
	b.mu.RUnlock()
	if ok {
		return chunk, nil
	}
	if removed {
		return nil, nil
	}

	start, err := startChunk(ctx, b.storage, key, writeOffset, lineIndex, b.clock.Now())
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if chunk, ok := b.chunks[key]; ok {
		return chunk, nil
	}
	if _, removed := b.tombstones[key]; removed {
		return nil, nil
	}
	now := b.clock.Now()
	if start.closed {
		b.tombstones[key] = now
		return nil, nil
	}
	if !start.open {
		return nil, nil
	}
	chunk = &memoryChunk{data: start.chunk, touched: now}
	b.chunks[key] = chunk
	return chunk, nil
}

func (b *MemoryBuilder) lookup(logID string, chunkOffset int64) *memoryChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.chunks[ChunkKey{LogID: logID, Offset: chunkOffset}]
}

func (b *MemoryBuilder) CompleteSubChunk(_ context.Context, logID string, chunkOffset int64) error {
	if chunk := b.lookup(logID, chunkOffset); chunk != nil {
		chunk.mu.Lock()
		chunk.data.sealSubChunk()
		chunk.mu.Unlock()
	}
	return nil
}

// CompleteChunk completes the cached chunk, or tombstones one this
// builder does not hold so that no later Append can create it.
func (b *MemoryBuilder) CompleteChunk(ctx context.Context, logID string, chunkOffset int64) error {
	key := ChunkKey{LogID: logID, Offset: chunkOffset}
	now := b.clock.Now()

	b.mu.Lock()
	chunk, ok := b.chunks[key]
	_, removed := b.tombstones[key]
	if !ok && !removed {
		b.tombstones[key] = now
	}
	b.mu.Unlock()

	switch {
	case ok:
		chunk.mu.Lock()
		chunk.data.complete()
		chunk.mu.Unlock()
		return nil
	case removed:
		return nil
	default:
		return closeStored(ctx, b.storage, key, now)
	}
}

func (b *MemoryBuilder) RemoveChunk(_ context.Context, logID string, chunkOffset int64) error {
	key := ChunkKey{LogID: logID, Offset: chunkOffset}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.chunks[key]; ok {
		delete(b.chunks, key)
		b.tombstones[key] = b.clock.Now()
	}
	return nil
}

func (b *MemoryBuilder) GetChunk(_ context.Context, logID string, chunkOffset, lineIndex int64) (mo.Option[ChunkData], error) {
	chunk := b.lookup(logID, chunkOffset)
	if chunk == nil {
		return mo.None[ChunkData](), nil
	}
	chunk.mu.Lock()
	defer chunk.mu.Unlock()
	return mo.Some(chunk.data.From(lineIndex)), nil
}

func (b *MemoryBuilder) TouchChunks(_ context.Context, minAge time.Duration) ([]ChunkKey, error) {
	now := b.clock.Now()
	threshold := now.Add(-minAge)

	b.mu.Lock()
	if b.storage != nil {
		for key, removedAt := range b.tombstones {
			if now.Sub(removedAt) > tombstoneTTL {
				delete(b.tombstones, key)
			}
		}
	}
	snapshot := make(map[ChunkKey]*memoryChunk, len(b.chunks))
	for key, chunk := range b.chunks {
		snapshot[key] = chunk
	}
	b.mu.Unlock()

	var keys []ChunkKey
	for key, chunk := range snapshot {
		chunk.mu.Lock()
		if !chunk.touched.After(threshold) {
			chunk.touched = now
			keys = append(keys, key)
		}
		chunk.mu.Unlock()
	}
	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys []ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].LogID != keys[j].LogID {
			return keys[i].LogID < keys[j].LogID
		}
		return keys[i].Offset < keys[j].Offset
	})
}
