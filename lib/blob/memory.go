// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/foreman/lib/clock"
)

// MemoryBackend keeps everything in a map. Used by tests and by
// servers configured with storage.blob_backend: memory.
type MemoryBackend struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	touched time.Time
}

func NewMemoryBackend(clk clock.Clock) *MemoryBackend {
	return &MemoryBackend{clock: clk, entries: make(map[string]memoryEntry)}
}

func (b *MemoryBackend) Read(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(entry.data), true, nil
}

func (b *MemoryBackend) Write(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memoryEntry{data: slices.Clone(data), touched: b.clock.Now()}
	return nil
}

func (b *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[key]
	return ok, nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) Touch(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[key]; ok {
		entry.touched = b.clock.Now()
		b.entries[key] = entry
	}
	return nil
}

func (b *MemoryBackend) List(_ context.Context, prefix string) ([]KeyInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var infos []KeyInfo
	for key, entry := range b.entries {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, KeyInfo{Key: key, Touched: entry.touched})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}
