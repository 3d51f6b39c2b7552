// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/bureau-foundation/foreman/lib/clock"
)

var _ io.WriteCloser = (*Writer)(nil)

func TestWriterBuffersPartialLines(t *testing.T) {
	ctx := context.Background()
	builder := NewMemoryBuilder(clock.Fake(epoch), nil)
	writer := NewWriter(ctx, builder, "log", LogTypeText)

	fmt.Fprint(writer, "first li")
	if _, ok := mustGet(t, builder, "log", 0, 0); ok {
		t.Fatal("partial line was appended")
	}
	fmt.Fprint(writer, "ne\nsecond\nthi")
	chunk, ok := mustGet(t, builder, "log", 0, 0)
	if !ok || string(chunk.Bytes()) != "first line\nsecond\n" || chunk.LineCount != 2 {
		t.Fatalf("chunk after two lines = %q (found=%v)", chunk.Bytes(), ok)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	chunk, _ = mustGet(t, builder, "log", 0, 0)
	if string(chunk.Bytes()) != "first line\nsecond\nthird\n" || chunk.LineCount != 3 {
		t.Errorf("chunk after close = %q lines=%d", chunk.Bytes(), chunk.LineCount)
	}
	if !chunk.Complete {
		t.Error("Close did not complete the chunk")
	}
	if writer.Offset() != chunk.Length {
		t.Errorf("writer offset %d, chunk length %d", writer.Offset(), chunk.Length)
	}
}

func TestWriterRollsOverFullChunks(t *testing.T) {
	ctx := context.Background()
	builder := NewMemoryBuilder(clock.Fake(epoch), nil)
	writer := NewWriter(ctx, builder, "log", LogTypeText)
	writer.SetMaxChunkSize(10)

	for i := range 5 {
		fmt.Fprintf(writer, "line-%d\n", i)
	}

	// Seven-byte lines: one per chunk at a ten-byte limit.
	for i := range int64(5) {
		chunk, ok := mustGet(t, builder, "log", i*7, 0)
		if !ok {
			t.Fatalf("chunk at %d missing", i*7)
		}
		if chunk.LineIndex != i || chunk.SubChunks[0].Offset != 0 || string(chunk.Bytes()) != fmt.Sprintf("line-%d\n", i) {
			t.Errorf("chunk at %d = %q line %d", i*7, chunk.Bytes(), chunk.LineIndex)
		}
		if wantComplete := i < 4; chunk.Complete != wantComplete {
			t.Errorf("chunk at %d complete=%v, want %v", i*7, chunk.Complete, wantComplete)
		}
	}
}

func TestWriterStartsNewChunkWhenCompletedUnderIt(t *testing.T) {
	ctx := context.Background()
	builder := NewMemoryBuilder(clock.Fake(epoch), nil)
	writer := NewWriter(ctx, builder, "log", LogTypeText)

	fmt.Fprint(writer, "a\n")
	// The server seals the chunk, as the flusher does for idle writers.
	builder.CompleteChunk(ctx, "log", 0)
	builder.RemoveChunk(ctx, "log", 0)

	if _, err := fmt.Fprint(writer, "b\n"); err != nil {
		t.Fatalf("write after completion: %v", err)
	}
	chunk, ok := mustGet(t, builder, "log", 2, 0)
	if !ok || string(chunk.Bytes()) != "b\n" || chunk.LineIndex != 1 {
		t.Errorf("new chunk = %q line %d (found=%v)", chunk.Bytes(), chunk.LineIndex, ok)
	}
}

func TestWriterCloseWithoutWrites(t *testing.T) {
	builder := NewMemoryBuilder(clock.Fake(epoch), nil)
	writer := NewWriter(context.Background(), builder, "log", LogTypeJSON)
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := mustGet(t, builder, "log", 0, 0); ok {
		t.Error("empty writer created a chunk")
	}
}
