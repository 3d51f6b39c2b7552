// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GCStats summarizes one garbage collection pass.
type GCStats struct {
	Refs      int
	Reachable int
	Scanned   int
	Deleted   int
}

// GarbageCollect deletes blobs that are unreachable from every ref and
// were last written or touched before cutoff. Reachability follows
// References transitively. The cutoff protects blobs that a client has
// uploaded but not yet linked from a ref: writers re-touch a blob each
// time they write it, so anything in active use stays young.
//
// The backend must implement Lister.
func (s *Store) GarbageCollect(ctx context.Context, cutoff time.Time) (GCStats, error) {
	lister, ok := s.backend.(Lister)
	if !ok {
		return GCStats{}, ErrListUnsupported
	}
	var stats GCStats

	refs, err := lister.List(ctx, refPrefix)
	if err != nil {
		return stats, err
	}
	stats.Refs = len(refs)

	reachable := make(map[Hash]bool)
	var pending []Hash
	for _, info := range refs {
		ref, found, err := s.TryReadRef(ctx, strings.TrimPrefix(info.Key, refPrefix))
		if err != nil {
			return stats, fmt.Errorf("blob: gc reading %s: %w", info.Key, err)
		}
		if found {
			pending = append(pending, ref.References...)
		}
	}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		hash := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if reachable[hash] {
			continue
		}
		reachable[hash] = true
		blob, found, err := s.TryReadBlob(ctx, hash)
		if err != nil {
			return stats, fmt.Errorf("blob: gc reading %s: %w", hash, err)
		}
		if found {
			pending = append(pending, blob.References...)
		}
	}
	stats.Reachable = len(reachable)

	blobs, err := lister.List(ctx, blobPrefix)
	if err != nil {
		return stats, err
	}
	for _, info := range blobs {
		stats.Scanned++
		hash, err := ParseHash(strings.TrimPrefix(info.Key, blobPrefix))
		if err != nil {
			s.logger.Warn("gc skipping unparseable blob key", "key", info.Key)
			continue
		}
		if reachable[hash] || !info.Touched.Before(cutoff) {
			continue
		}
		if err := s.backend.Delete(ctx, info.Key); err != nil {
			return stats, err
		}
		stats.Deleted++
	}

	s.logger.Info("blob garbage collection complete",
		"refs", stats.Refs,
		"reachable", stats.Reachable,
		"scanned", stats.Scanned,
		"deleted", stats.Deleted,
	)
	return stats, nil
}
