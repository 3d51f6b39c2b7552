// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"container/list"
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// CachedBackend fronts another backend with a bounded LRU read cache.
// Only "blobs/" keys are cached: their content never changes for a
// given key, so a cached value cannot go stale. Refs always go to the
// inner backend.
type CachedBackend struct {
	inner    Backend
	capacity int

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	key  string
	data []byte
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// NewCachedBackend wraps inner with room for capacity entries.
// Panics if capacity is not positive.
func NewCachedBackend(inner Backend, capacity int) *CachedBackend {
	if capacity <= 0 {
		panic("blob: cache capacity must be positive")
	}
	return &CachedBackend{
		inner:    inner,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func cacheable(key string) bool { return strings.HasPrefix(key, blobPrefix) }

func (c *CachedBackend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if !cacheable(key) {
		return c.inner.Read(ctx, key)
	}
	if data, ok := c.get(key); ok {
		c.hits.Add(1)
		return data, true, nil
	}
	c.misses.Add(1)

	data, found, err := c.inner.Read(ctx, key)
	if err != nil || !found {
		return data, found, err
	}
	c.put(key, data)
	return data, true, nil
}

func (c *CachedBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := c.inner.Write(ctx, key, data); err != nil {
		return err
	}
	if cacheable(key) {
		c.put(key, data)
	}
	return nil
}

func (c *CachedBackend) Exists(ctx context.Context, key string) (bool, error) {
	if cacheable(key) {
		c.mu.Lock()
		_, ok := c.entries[key]
		c.mu.Unlock()
		if ok {
			return true, nil
		}
	}
	return c.inner.Exists(ctx, key)
}

func (c *CachedBackend) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if element, ok := c.entries[key]; ok {
		c.order.Remove(element)
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return c.inner.Delete(ctx, key)
}

func (c *CachedBackend) Touch(ctx context.Context, key string) error {
	if toucher, ok := c.inner.(Toucher); ok {
		return toucher.Touch(ctx, key)
	}
	return nil
}

func (c *CachedBackend) List(ctx context.Context, prefix string) ([]KeyInfo, error) {
	if lister, ok := c.inner.(Lister); ok {
		return lister.List(ctx, prefix)
	}
	return nil, ErrListUnsupported
}

// Stats returns a snapshot of the cache counters.
func (c *CachedBackend) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return CacheStats{Entries: entries, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *CachedBackend) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(element)
	return slices.Clone(element.Value.(*cacheEntry).data), true
}

func (c *CachedBackend) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.entries[key]; ok {
		c.order.MoveToFront(element)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, data: slices.Clone(data)})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
