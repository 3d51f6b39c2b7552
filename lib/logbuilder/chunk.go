// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrNonContiguousWrite is returned by Append when writeOffset does not
// continue exactly where an open chunk ends. It is a caller bug: the
// writer has lost track of its own cursor.
var ErrNonContiguousWrite = errors.New("logbuilder: non-contiguous write")

// LogType distinguishes plain text logs from structured JSON-lines
// logs. A chunk may mix both; each sub-chunk holds one type.
type LogType uint8

const (
	LogTypeText LogType = 0
	LogTypeJSON LogType = 1
)

func (t LogType) String() string {
	switch t {
	case LogTypeText:
		return "text"
	case LogTypeJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// ChunkKey identifies one chunk of one log.
type ChunkKey struct {
	LogID  string
	Offset int64
}

// SubChunkData is a contiguous run of appends of one type. Offset is
// relative to the start of its chunk.
type SubChunkData struct {
	Type      LogType `cbor:"type"`
	Offset    int64   `cbor:"offset"`
	Length    int64   `cbor:"length"`
	LineIndex int64   `cbor:"line_index"`
	LineCount int64   `cbor:"line_count"`
	Sealed    bool    `cbor:"sealed"`
	Data      []byte  `cbor:"data"`
}

// ChunkData is the state of one chunk: its position in the log, the
// sub-chunks appended so far, and whether it has been completed.
type ChunkData struct {
	Offset    int64          `cbor:"offset"`
	Length    int64          `cbor:"length"`
	LineIndex int64          `cbor:"line_index"`
	LineCount int64          `cbor:"line_count"`
	Complete  bool           `cbor:"complete"`
	Modified  time.Time      `cbor:"modified"`
	SubChunks []SubChunkData `cbor:"sub_chunks"`
}

// newChunk starts an empty chunk.
func newChunk(offset, lineIndex int64, now time.Time) ChunkData {
	return ChunkData{Offset: offset, LineIndex: lineIndex, Modified: now}
}

// append applies one write. writeOffset is relative to the chunk and
// must equal the bytes accepted so far; lineIndex is recorded on new
// sub-chunks but never checked. Both builders share this so their
// contiguity rules are identical.
func (c *ChunkData) append(writeOffset, lineIndex, lineCount int64, data []byte, logType LogType, now time.Time) (bool, error) {
	if c.Complete {
		return false, nil
	}
	if writeOffset != c.Length {
		return false, fmt.Errorf("%w: write at offset %d, chunk %d holds %d bytes",
			ErrNonContiguousWrite, writeOffset, c.Offset, c.Length)
	}

	open := c.openSubChunk()
	if open != nil && open.Type != logType {
		open.Sealed = true
		open = nil
	}
	if open == nil {
		c.SubChunks = append(c.SubChunks, SubChunkData{
			Type:      logType,
			Offset:    writeOffset,
			LineIndex: lineIndex,
		})
		open = &c.SubChunks[len(c.SubChunks)-1]
	}

	open.Data = append(open.Data, data...)
	open.Length += int64(len(data))
	open.LineCount += lineCount
	c.Length += int64(len(data))
	c.LineCount += lineCount
	c.Modified = now
	return true, nil
}

func (c *ChunkData) openSubChunk() *SubChunkData {
	if len(c.SubChunks) == 0 {
		return nil
	}
	last := &c.SubChunks[len(c.SubChunks)-1]
	if last.Sealed {
		return nil
	}
	return last
}

func (c *ChunkData) sealSubChunk() {
	if open := c.openSubChunk(); open != nil {
		open.Sealed = true
	}
}

func (c *ChunkData) complete() {
	c.sealSubChunk()
	c.Complete = true
}

// From returns a deep copy of the chunk without the sub-chunks that
// end at or before lineIndex. Pass the chunk's own LineIndex (or 0)
// for the whole chunk. Chunk-level fields are unchanged so callers can
// still compute where the chunk ends.
func (c ChunkData) From(lineIndex int64) ChunkData {
	result := c
	result.SubChunks = nil
	for _, sub := range c.SubChunks {
		if sub.LineIndex+sub.LineCount <= lineIndex && sub.LineCount > 0 {
			continue
		}
		sub.Data = slices.Clone(sub.Data)
		result.SubChunks = append(result.SubChunks, sub)
	}
	return result
}

// Bytes concatenates the sub-chunk payloads.
func (c ChunkData) Bytes() []byte {
	var out []byte
	for _, sub := range c.SubChunks {
		out = append(out, sub.Data...)
	}
	return out
}
