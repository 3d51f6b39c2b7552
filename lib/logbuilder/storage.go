// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/samber/mo"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/codec"
)

// Storage is the durable home of log chunks.
type Storage interface {
	// WriteChunk persists the current state of a chunk, replacing any
	// earlier snapshot of the same chunk.
	WriteChunk(ctx context.Context, logID string, chunk ChunkData) error

	ReadChunk(ctx context.Context, logID string, chunkOffset int64) (mo.Option[ChunkData], error)
}

// BlobStorage stores chunks in the blob store. Each sub-chunk is a
// blob; the chunk index is the ref "logs/<logID>/<offset>" whose
// references are the sub-chunk hashes in order. Unchanged sealed
// sub-chunks hash the same on every flush, so re-flushing an open
// chunk only writes the sub-chunk that grew.
type BlobStorage struct {
	store *blob.Store
}

func NewBlobStorage(store *blob.Store) *BlobStorage {
	return &BlobStorage{store: store}
}

// chunkIndex is the ref payload: everything in ChunkData except the
// sub-chunks themselves.
type chunkIndex struct {
	Offset    int64     `cbor:"offset"`
	Length    int64     `cbor:"length"`
	LineIndex int64     `cbor:"line_index"`
	LineCount int64     `cbor:"line_count"`
	Complete  bool      `cbor:"complete"`
	Modified  time.Time `cbor:"modified"`
}

// ChunkRefName returns the ref name holding a chunk's index.
func ChunkRefName(logID string, chunkOffset int64) string {
	return "logs/" + logID + "/" + strconv.FormatInt(chunkOffset, 10)
}

func (s *BlobStorage) WriteChunk(ctx context.Context, logID string, chunk ChunkData) error {
	hashes := make([]blob.Hash, 0, len(chunk.SubChunks))
	for _, sub := range chunk.SubChunks {
		encoded, err := codec.Marshal(sub)
		if err != nil {
			return fmt.Errorf("logbuilder: encoding sub-chunk at %d: %w", sub.Offset, err)
		}
		hash, err := s.store.WriteBlob(ctx, encoded, nil)
		if err != nil {
			return fmt.Errorf("logbuilder: writing sub-chunk at %d: %w", sub.Offset, err)
		}
		hashes = append(hashes, hash)
	}

	index, err := codec.Marshal(chunkIndex{
		Offset:    chunk.Offset,
		Length:    chunk.Length,
		LineIndex: chunk.LineIndex,
		LineCount: chunk.LineCount,
		Complete:  chunk.Complete,
		Modified:  chunk.Modified,
	})
	if err != nil {
		return fmt.Errorf("logbuilder: encoding chunk index: %w", err)
	}
	return s.store.WriteRef(ctx, ChunkRefName(logID, chunk.Offset), index, hashes)
}

func (s *BlobStorage) ReadChunk(ctx context.Context, logID string, chunkOffset int64) (mo.Option[ChunkData], error) {
	ref, found, err := s.store.TryReadRef(ctx, ChunkRefName(logID, chunkOffset))
	if err != nil || !found {
		return mo.None[ChunkData](), err
	}

	var index chunkIndex
	if err := codec.Unmarshal(ref.Data, &index); err != nil {
		return mo.None[ChunkData](), fmt.Errorf("logbuilder: decoding chunk index %s@%d: %w", logID, chunkOffset, err)
	}
	chunk := ChunkData{
		Offset:    index.Offset,
		Length:    index.Length,
		LineIndex: index.LineIndex,
		LineCount: index.LineCount,
		Complete:  index.Complete,
		Modified:  index.Modified,
	}
	for _, hash := range ref.References {
		stored, found, err := s.store.TryReadBlob(ctx, hash)
		if err != nil {
			return mo.None[ChunkData](), err
		}
		if !found {
			return mo.None[ChunkData](), fmt.Errorf("logbuilder: chunk %s@%d references missing sub-chunk %s", logID, chunkOffset, hash)
		}
		var sub SubChunkData
		if err := codec.Unmarshal(stored.Data, &sub); err != nil {
			return mo.None[ChunkData](), fmt.Errorf("logbuilder: decoding sub-chunk %s: %w", hash, err)
		}
		chunk.SubChunks = append(chunk.SubChunks, sub)
	}
	return mo.Some(chunk), nil
}
