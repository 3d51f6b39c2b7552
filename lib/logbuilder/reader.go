// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"context"

	"github.com/samber/mo"
)

// Reader serves log viewers: the builder's copy when the chunk is
// still cached, the durable copy otherwise.
type Reader struct {
	builder Builder
	storage Storage
}

func NewReader(builder Builder, storage Storage) *Reader {
	return &Reader{builder: builder, storage: storage}
}

// GetChunk returns the chunk at chunkOffset trimmed to lineIndex.
func (r *Reader) GetChunk(ctx context.Context, logID string, chunkOffset, lineIndex int64) (mo.Option[ChunkData], error) {
	cached, err := r.builder.GetChunk(ctx, logID, chunkOffset, lineIndex)
	if err != nil {
		return mo.None[ChunkData](), err
	}
	if cached.IsPresent() {
		return cached, nil
	}

	stored, err := r.storage.ReadChunk(ctx, logID, chunkOffset)
	if err != nil {
		return mo.None[ChunkData](), err
	}
	chunk, ok := stored.Get()
	if !ok {
		return stored, nil
	}
	return mo.Some(chunk.From(lineIndex)), nil
}
