// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/foreman/lib/clock"
)

const (
	// defaultFlushInterval is how often the flusher scans for cold chunks.
	defaultFlushInterval = 5 * time.Second

	// defaultMinAge is how long a chunk must go untouched before it is
	// persisted. Appends arrive in bursts; waiting out a burst turns
	// many small durable writes into one.
	defaultMinAge = 10 * time.Second

	// defaultSealAfter completes chunks whose writer went quiet without
	// completing them (agent crashed, lease aborted).
	defaultSealAfter = 2 * time.Minute
)

// FlusherConfig configures a Flusher. Builder, Storage and Clock are
// required.
type FlusherConfig struct {
	Builder Builder
	Storage Storage
	Clock   clock.Clock
	Logger  *slog.Logger

	Interval  time.Duration
	MinAge    time.Duration
	SealAfter time.Duration
}

// Flusher moves cold chunks from a Builder to Storage. Each tick it
// asks the builder for chunks untouched for MinAge, completes those
// idle for SealAfter, persists them, and evicts the complete ones.
type Flusher struct {
	builder   Builder
	storage   Storage
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	minAge    time.Duration
	sealAfter time.Duration

	// tickMu keeps a shutdown drain from interleaving with a tick.
	tickMu sync.Mutex

	flushCount  atomic.Uint64
	flushErrors atomic.Uint64
	sealCount   atomic.Uint64
	evictCount  atomic.Uint64

	lastErrorMu sync.Mutex
	lastError   string
}

// FlusherStats is a snapshot of the flusher's counters.
type FlusherStats struct {
	FlushCount  uint64 `json:"flush_count"`
	FlushErrors uint64 `json:"flush_errors"`
	SealCount   uint64 `json:"seal_count"`
	EvictCount  uint64 `json:"evict_count"`
	LastError   string `json:"last_error,omitempty"`
}

func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Builder == nil || cfg.Storage == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("logbuilder: Builder, Storage and Clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	flusher := &Flusher{
		builder:   cfg.Builder,
		storage:   cfg.Storage,
		clock:     cfg.Clock,
		logger:    logger,
		interval:  cfg.Interval,
		minAge:    cfg.MinAge,
		sealAfter: cfg.SealAfter,
	}
	if flusher.interval <= 0 {
		flusher.interval = defaultFlushInterval
	}
	if flusher.minAge <= 0 {
		flusher.minAge = defaultMinAge
	}
	if flusher.sealAfter <= 0 {
		flusher.sealAfter = defaultSealAfter
	}
	return flusher, nil
}

// Run flushes on every interval until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) {
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one flush pass.
func (f *Flusher) Tick(ctx context.Context) {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	keys, err := f.builder.TouchChunks(ctx, f.minAge)
	if err != nil {
		f.recordError(fmt.Errorf("scanning chunks: %w", err))
		return
	}
	for _, key := range keys {
		f.flushChunk(ctx, key, false)
	}
}

// Close drains every cached chunk to storage when the builder does not
// survive the process. Chunks are completed first: their writers are
// about to lose the server, and a completed chunk makes their next
// append start a fresh chunk instead of failing.
func (f *Flusher) Close(ctx context.Context) {
	if !f.builder.FlushOnShutdown() {
		return
	}

	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	keys, err := f.builder.TouchChunks(ctx, 0)
	if err != nil {
		f.recordError(fmt.Errorf("scanning chunks for drain: %w", err))
		return
	}
	for _, key := range keys {
		f.flushChunk(ctx, key, true)
	}
	f.logger.Info("log flusher shutdown drain complete", "chunks_flushed", len(keys))
}

func (f *Flusher) flushChunk(ctx context.Context, key ChunkKey, seal bool) {
	cached, err := f.builder.GetChunk(ctx, key.LogID, key.Offset, 0)
	if err != nil {
		f.recordError(fmt.Errorf("reading chunk %s@%d: %w", key.LogID, key.Offset, err))
		return
	}
	chunk, ok := cached.Get()
	if !ok {
		return
	}

	if !chunk.Complete && (seal || f.clock.Now().Sub(chunk.Modified) >= f.sealAfter) {
		if err := f.builder.CompleteChunk(ctx, key.LogID, key.Offset); err != nil {
			f.recordError(fmt.Errorf("completing chunk %s@%d: %w", key.LogID, key.Offset, err))
			return
		}
		f.sealCount.Add(1)
		// Re-read: an append may have landed between the read and the seal.
		cached, err = f.builder.GetChunk(ctx, key.LogID, key.Offset, 0)
		if err != nil {
			f.recordError(fmt.Errorf("re-reading chunk %s@%d: %w", key.LogID, key.Offset, err))
			return
		}
		if chunk, ok = cached.Get(); !ok {
			return
		}
	}

	if err := f.storage.WriteChunk(ctx, key.LogID, chunk); err != nil {
		f.recordError(fmt.Errorf("writing chunk %s@%d: %w", key.LogID, key.Offset, err))
		return
	}
	f.flushCount.Add(1)

	if !chunk.Complete {
		return
	}
	if err := f.builder.RemoveChunk(ctx, key.LogID, key.Offset); err != nil {
		f.recordError(fmt.Errorf("removing chunk %s@%d: %w", key.LogID, key.Offset, err))
		return
	}
	f.evictCount.Add(1)
	f.logger.Debug("log chunk flushed and evicted",
		"log_id", key.LogID,
		"offset", key.Offset,
		"length", chunk.Length,
	)
}

func (f *Flusher) recordError(err error) {
	f.flushErrors.Add(1)
	f.lastErrorMu.Lock()
	f.lastError = err.Error()
	f.lastErrorMu.Unlock()
	f.logger.Error("log flush failed", "error", err)
}

// Stats returns a snapshot of the flusher's counters.
func (f *Flusher) Stats() FlusherStats {
	f.lastErrorMu.Lock()
	lastError := f.lastError
	f.lastErrorMu.Unlock()
	return FlusherStats{
		FlushCount:  f.flushCount.Load(),
		FlushErrors: f.flushErrors.Load(),
		SealCount:   f.sealCount.Load(),
		EvictCount:  f.evictCount.Load(),
		LastError:   lastError,
	}
}
