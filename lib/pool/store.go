// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
)

// Store persists pools. Every write increments Version.
type Store interface {
	List(ctx context.Context) ([]*Pool, error)
	Get(ctx context.Context, id string) (*Pool, error)

	// Create stores a new pool at version 1.
	Create(ctx context.Context, pool *Pool) error

	// TryUpdateWorkspaces replaces the workspace set if the stored
	// version still equals pool.Version. It returns false, with no
	// error, when another writer got there first.
	TryUpdateWorkspaces(ctx context.Context, pool *Pool, workspaces []AgentWorkspace) (bool, error)

	// UpdateConfig applies an admin update and returns the new pool.
	UpdateConfig(ctx context.Context, id string, update ConfigUpdate) (*Pool, error)
}

func validateNew(pool *Pool) error {
	if pool.ID == "" {
		return errors.New("pool: id is required")
	}
	return nil
}

// normalized returns a copy of workspaces deduplicated and sorted,
// the form every store writes.
func normalized(workspaces []AgentWorkspace) []AgentWorkspace {
	seen := make(map[string]struct{}, len(workspaces))
	result := make([]AgentWorkspace, 0, len(workspaces))
	for _, workspace := range workspaces {
		key := workspace.key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		workspace.View = slices.Clone(workspace.View)
		result = append(result, workspace)
	}
	SortWorkspaces(result)
	return result
}

// MemoryStore is a Store held in memory.
type MemoryStore struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pools: make(map[string]*Pool)}
}

func (s *MemoryStore) List(context.Context) ([]*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pools := make([]*Pool, 0, len(s.pools))
	for _, pool := range s.pools {
		pools = append(pools, pool.Clone())
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return pool.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, pool *Pool) error {
	if err := validateNew(pool); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[pool.ID]; ok {
		return ErrPoolExists
	}
	stored := pool.Clone()
	stored.Workspaces = normalized(stored.Workspaces)
	stored.Version = 1
	s.pools[pool.ID] = stored
	return nil
}

func (s *MemoryStore) TryUpdateWorkspaces(_ context.Context, pool *Pool, workspaces []AgentWorkspace) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.pools[pool.ID]
	if !ok {
		return false, ErrPoolNotFound
	}
	if stored.Version != pool.Version {
		return false, nil
	}
	stored.Workspaces = normalized(workspaces)
	stored.Version++
	return true, nil
}

func (s *MemoryStore) UpdateConfig(_ context.Context, id string, update ConfigUpdate) (*Pool, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	update.apply(stored)
	stored.Version++
	return stored.Clone(), nil
}
