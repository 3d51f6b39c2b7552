// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// ChunkAppender is the write side of a Builder as seen by a remote
// writer. The agent's session client implements it over the socket
// protocol; tests pass a Builder directly.
type ChunkAppender interface {
	Append(ctx context.Context, logID string, chunkOffset, writeOffset, lineIndex, lineCount int64, data []byte, logType LogType) (bool, error)
	CompleteChunk(ctx context.Context, logID string, chunkOffset int64) error
}

// DefaultMaxChunkSize bounds chunks written by a Writer.
const DefaultMaxChunkSize = 256 * 1024

// Writer streams whole lines into a log. It tracks the chunk and write
// cursors as log offsets and sends the write cursor relative to the
// chunk. It rolls over to a new chunk when the current one fills, and
// starts a new chunk at the current offset whenever the server reports
// the current one complete.
//
// Writer implements io.Writer for use as a command's stdout/stderr.
// Partial lines are held until their newline arrives or Close.
type Writer struct {
	appender     ChunkAppender
	ctx          context.Context
	logID        string
	logType      LogType
	maxChunkSize int64

	mu          sync.Mutex
	chunkOffset int64
	writeOffset int64
	lineIndex   int64
	partial     []byte
}

// NewWriter returns a Writer appending to logID from offset zero. ctx
// bounds every append made through the io.Writer interface.
func NewWriter(ctx context.Context, appender ChunkAppender, logID string, logType LogType) *Writer {
	return &Writer{
		appender:     appender,
		ctx:          ctx,
		logID:        logID,
		logType:      logType,
		maxChunkSize: DefaultMaxChunkSize,
	}
}

// SetMaxChunkSize changes the rollover threshold.
func (w *Writer) SetMaxChunkSize(size int64) {
	w.mu.Lock()
	w.maxChunkSize = size
	w.mu.Unlock()
}

// Write buffers p and appends every complete line.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	end := bytes.LastIndexByte(w.partial, '\n')
	if end < 0 {
		return len(p), nil
	}
	lines := w.partial[:end+1]
	if err := w.appendLocked(lines, int64(bytes.Count(lines, []byte{'\n'}))); err != nil {
		return 0, err
	}
	w.partial = append([]byte(nil), w.partial[end+1:]...)
	return len(p), nil
}

// Close appends any trailing partial line (terminated with a newline)
// and completes the current chunk.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.partial) > 0 {
		line := append(w.partial, '\n')
		w.partial = nil
		if err := w.appendLocked(line, 1); err != nil {
			return err
		}
	}
	if w.writeOffset == w.chunkOffset {
		return nil
	}
	return w.appender.CompleteChunk(w.ctx, w.logID, w.chunkOffset)
}

// Offset returns the number of bytes accepted so far.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeOffset
}

func (w *Writer) appendLocked(data []byte, lineCount int64) error {
	chunkLength := w.writeOffset - w.chunkOffset
	if chunkLength > 0 && chunkLength+int64(len(data)) > w.maxChunkSize {
		if err := w.appender.CompleteChunk(w.ctx, w.logID, w.chunkOffset); err != nil {
			return fmt.Errorf("logbuilder: completing full chunk %d: %w", w.chunkOffset, err)
		}
		w.chunkOffset = w.writeOffset
	}

	for attempt := 0; attempt < 2; attempt++ {
		accepted, err := w.appender.Append(w.ctx, w.logID, w.chunkOffset, w.writeOffset-w.chunkOffset, w.lineIndex, lineCount, data, w.logType)
		if err != nil {
			return fmt.Errorf("logbuilder: appending to %s at %d: %w", w.logID, w.writeOffset, err)
		}
		if accepted {
			w.writeOffset += int64(len(data))
			w.lineIndex += lineCount
			return nil
		}
		// The chunk was completed under us: start a new one here.
		w.chunkOffset = w.writeOffset
	}
	return fmt.Errorf("logbuilder: new chunk at %d for %s rejected the first write", w.writeOffset, w.logID)
}
