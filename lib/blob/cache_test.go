// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"testing"

	"github.com/bureau-foundation/foreman/lib/clock"
)

// countingBackend records reads that reach the inner backend.
type countingBackend struct {
	*MemoryBackend
	reads int
}

func (c *countingBackend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	c.reads++
	return c.MemoryBackend.Read(ctx, key)
}

func TestCachedBackendServesBlobsFromCache(t *testing.T) {
	inner := &countingBackend{MemoryBackend: NewMemoryBackend(clock.Fake(epoch))}
	cached := NewCachedBackend(inner, 2)
	ctx := context.Background()

	inner.Write(ctx, "blobs/a", []byte("A"))
	for range 3 {
		data, found, err := cached.Read(ctx, "blobs/a")
		if err != nil || !found || string(data) != "A" {
			t.Fatalf("Read = %q %v %v", data, found, err)
		}
	}
	if inner.reads != 1 {
		t.Errorf("inner reads = %d, want 1", inner.reads)
	}
	stats := cached.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits 1 miss", stats)
	}
}

func TestCachedBackendBypassesRefs(t *testing.T) {
	inner := &countingBackend{MemoryBackend: NewMemoryBackend(clock.Fake(epoch))}
	cached := NewCachedBackend(inner, 2)
	ctx := context.Background()

	cached.Write(ctx, "refs/head", []byte("v1"))
	cached.Read(ctx, "refs/head")
	inner.Write(ctx, "refs/head", []byte("v2"))

	data, _, _ := cached.Read(ctx, "refs/head")
	if string(data) != "v2" {
		t.Fatalf("ref read = %q, want v2 from the inner backend", data)
	}
	if inner.reads != 2 {
		t.Errorf("inner reads = %d, want 2", inner.reads)
	}
}

func TestCachedBackendEvictsLeastRecentlyUsed(t *testing.T) {
	cached := NewCachedBackend(NewMemoryBackend(clock.Fake(epoch)), 2)
	ctx := context.Background()

	cached.Write(ctx, "blobs/a", []byte("A"))
	cached.Write(ctx, "blobs/b", []byte("B"))
	cached.Read(ctx, "blobs/a")
	cached.Write(ctx, "blobs/c", []byte("C"))

	cached.mu.Lock()
	_, hasA := cached.entries["blobs/a"]
	_, hasB := cached.entries["blobs/b"]
	_, hasC := cached.entries["blobs/c"]
	cached.mu.Unlock()

	if !hasA || hasB || !hasC {
		t.Fatalf("cache holds a=%v b=%v c=%v, want a and c", hasA, hasB, hasC)
	}

	cached.Delete(ctx, "blobs/a")
	if found, _ := cached.Exists(ctx, "blobs/a"); found {
		t.Fatal("deleted key still reported present")
	}
}
