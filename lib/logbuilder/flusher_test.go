// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"

	"github.com/bureau-foundation/foreman/lib/clock"
)

// recordingStorage is an in-memory Storage that keeps the last
// snapshot of every chunk and can be told to fail.
type recordingStorage struct {
	mu     sync.Mutex
	chunks map[ChunkKey]ChunkData
	writes int
	fail   error
}

func newRecordingStorage() *recordingStorage {
	return &recordingStorage{chunks: make(map[ChunkKey]ChunkData)}
}

func (s *recordingStorage) WriteChunk(_ context.Context, logID string, chunk ChunkData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.writes++
	s.chunks[ChunkKey{LogID: logID, Offset: chunk.Offset}] = chunk.From(0)
	return nil
}

func (s *recordingStorage) ReadChunk(_ context.Context, logID string, chunkOffset int64) (mo.Option[ChunkData], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunks[ChunkKey{LogID: logID, Offset: chunkOffset}]
	if !ok {
		return mo.None[ChunkData](), nil
	}
	return mo.Some(chunk.From(0)), nil
}

func (s *recordingStorage) get(logID string, offset int64) (ChunkData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunks[ChunkKey{LogID: logID, Offset: offset}]
	return chunk, ok
}

func newTestFlusher(t *testing.T, builder Builder, storage Storage, clk clock.Clock) *Flusher {
	t.Helper()
	flusher, err := NewFlusher(FlusherConfig{
		Builder:   builder,
		Storage:   storage,
		Clock:     clk,
		Interval:  5 * time.Second,
		MinAge:    10 * time.Second,
		SealAfter: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewFlusher: %v", err)
	}
	return flusher
}

func TestNewFlusherRequiresDependencies(t *testing.T) {
	if _, err := NewFlusher(FlusherConfig{}); err == nil {
		t.Error("expected error for empty config")
	}
}

func TestFlusherPersistsColdChunks(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(epoch)
	builder := NewMemoryBuilder(clk, nil)
	storage := newRecordingStorage()
	flusher := newTestFlusher(t, builder, storage, clk)

	mustAppend(t, builder, "log", 0, 0, 0, 1, "a\n")

	flusher.Tick(ctx)
	if _, ok := storage.get("log", 0); ok {
		t.Fatal("warm chunk was flushed")
	}

	clk.Advance(10 * time.Second)
	flusher.Tick(ctx)
	stored, ok := storage.get("log", 0)
	if !ok || string(stored.Bytes()) != "a\n" {
		t.Fatalf("cold chunk not flushed: found=%v", ok)
	}
	if stored.Complete {
		t.Error("open chunk was completed before SealAfter")
	}
	if _, ok := mustGet(t, builder, "log", 0, 0); !ok {
		t.Error("open chunk was evicted")
	}

	stats := flusher.Stats()
	if stats.FlushCount != 1 || stats.EvictCount != 0 || stats.SealCount != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFlusherEvictsCompleteChunks(t *testing.T) {
	forEachBuilder(t, func(t *testing.T, builder Builder, clk *clock.FakeClock) {
		ctx := context.Background()
		storage := newRecordingStorage()
		flusher := newTestFlusher(t, builder, storage, clk)

		mustAppend(t, builder, "log", 0, 0, 0, 1, "a\n")
		builder.CompleteChunk(ctx, "log", 0)
		clk.Advance(10 * time.Second)
		flusher.Tick(ctx)

		stored, ok := storage.get("log", 0)
		if !ok || !stored.Complete {
			t.Fatalf("complete chunk not persisted: found=%v", ok)
		}
		if _, ok := mustGet(t, builder, "log", 0, 0); ok {
			t.Error("complete chunk still cached after flush")
		}
		if flusher.Stats().EvictCount != 1 {
			t.Errorf("evict count = %d, want 1", flusher.Stats().EvictCount)
		}
	})
}

func TestFlusherSealsIdleChunks(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(epoch)
	builder := NewMemoryBuilder(clk, nil)
	storage := newRecordingStorage()
	flusher := newTestFlusher(t, builder, storage, clk)

	mustAppend(t, builder, "log", 0, 0, 0, 1, "a\n")
	for range 6 {
		clk.Advance(10 * time.Second)
		flusher.Tick(ctx)
	}

	stored, ok := storage.get("log", 0)
	if !ok || !stored.Complete {
		t.Fatalf("idle chunk not sealed: found=%v complete=%v", ok, stored.Complete)
	}
	if _, ok := mustGet(t, builder, "log", 0, 0); ok {
		t.Error("sealed chunk still cached")
	}
	if mustAppend(t, builder, "log", 0, 2, 1, 1, "b\n") {
		t.Error("append to a sealed and evicted chunk was accepted")
	}
	if flusher.Stats().SealCount != 1 {
		t.Errorf("seal count = %d, want 1", flusher.Stats().SealCount)
	}
}

func TestFlusherRecordsStorageErrors(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(epoch)
	builder := NewMemoryBuilder(clk, nil)
	storage := newRecordingStorage()
	storage.fail = errors.New("disk full")
	flusher := newTestFlusher(t, builder, storage, clk)

	mustAppend(t, builder, "log", 0, 0, 0, 1, "a\n")
	builder.CompleteChunk(ctx, "log", 0)
	clk.Advance(10 * time.Second)
	flusher.Tick(ctx)

	stats := flusher.Stats()
	if stats.FlushErrors != 1 || stats.LastError == "" {
		t.Errorf("stats = %+v, want one recorded error", stats)
	}
	if _, ok := mustGet(t, builder, "log", 0, 0); !ok {
		t.Error("chunk evicted although storage write failed")
	}
}

func TestFlusherCloseDrainsMemoryBuilder(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(epoch)
	builder := NewMemoryBuilder(clk, nil)
	storage := newRecordingStorage()
	flusher := newTestFlusher(t, builder, storage, clk)

	mustAppend(t, builder, "a", 0, 0, 0, 1, "a\n")
	mustAppend(t, builder, "b", 0, 0, 0, 1, "b\n")
	flusher.Close(ctx)

	for _, logID := range []string{"a", "b"} {
		stored, ok := storage.get(logID, 0)
		if !ok || !stored.Complete {
			t.Errorf("log %s not drained: found=%v", logID, ok)
		}
		if _, ok := mustGet(t, builder, logID, 0, 0); ok {
			t.Errorf("log %s still cached after drain", logID)
		}
	}
}

func TestFlusherCloseSkipsDurableBuilder(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(epoch)
	builder := builders()["sqlite"](t, clk, nil)
	storage := newRecordingStorage()
	flusher := newTestFlusher(t, builder, storage, clk)

	mustAppend(t, builder, "a", 0, 0, 0, 1, "a\n")
	flusher.Close(ctx)

	if storage.writes != 0 {
		t.Errorf("durable builder drained %d chunks on close", storage.writes)
	}
}

func TestFlusherRunStopsOnCancel(t *testing.T) {
	clk := clock.Fake(epoch)
	builder := NewMemoryBuilder(clk, nil)
	storage := newRecordingStorage()
	flusher := newTestFlusher(t, builder, storage, clk)
	mustAppend(t, builder, "log", 0, 0, 0, 1, "a\n")
	builder.CompleteChunk(context.Background(), "log", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		flusher.Run(ctx)
		close(done)
	}()

	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)
	deadline := time.Now().Add(5 * time.Second) //nolint:realclock // waiting on a real goroutine
	for {
		if _, ok := storage.get("log", 0); ok {
			break
		}
		if time.Now().After(deadline) { //nolint:realclock
			t.Fatal("Run did not flush on tick")
		}
		time.Sleep(time.Millisecond) //nolint:realclock
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock
		t.Fatal("Run did not return after cancel")
	}
}
