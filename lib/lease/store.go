// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// LeaseStore persists leases.
type LeaseStore interface {
	Create(ctx context.Context, lease *Lease) error
	Get(ctx context.Context, id string) (*Lease, error)

	// Resolve records the terminal outcome of a pending lease. It
	// returns false, without error, when the lease was already
	// resolved: the first resolution wins.
	Resolve(ctx context.Context, id string, outcome Outcome, result []byte, at time.Time) (bool, error)

	// ListActive returns the agent's unresolved leases, oldest first.
	ListActive(ctx context.Context, agentID string) ([]*Lease, error)
}

// AgentStore persists agent registrations.
type AgentStore interface {
	Register(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	Heartbeat(ctx context.Context, id string, properties []string, at time.Time) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	RequestShutdown(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Agent, error)
}

// MemoryLeaseStore is a LeaseStore for tests and ephemeral servers.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]*Lease)}
}

func cloneLease(lease *Lease) *Lease {
	clone := *lease
	clone.Payload = slices.Clone(lease.Payload)
	clone.Result = slices.Clone(lease.Result)
	return &clone
}

func (s *MemoryLeaseStore) Create(_ context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.ID] = cloneLease(lease)
	return nil
}

func (s *MemoryLeaseStore) Get(_ context.Context, id string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	return cloneLease(lease), nil
}

func (s *MemoryLeaseStore) Resolve(_ context.Context, id string, outcome Outcome, result []byte, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok {
		return false, ErrLeaseNotFound
	}
	if lease.Resolved() {
		return false, nil
	}
	lease.Outcome = outcome
	lease.Result = slices.Clone(result)
	lease.FinishTime = at
	return true, nil
}

func (s *MemoryLeaseStore) ListActive(_ context.Context, agentID string) ([]*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*Lease
	for _, lease := range s.leases {
		if lease.AgentID == agentID && !lease.Resolved() {
			active = append(active, cloneLease(lease))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// MemoryAgentStore is an AgentStore for tests and ephemeral servers.
type MemoryAgentStore struct {
	mu     sync.Mutex
	agents map[string]*Agent
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*Agent)}
}

func cloneAgent(agent *Agent) *Agent {
	clone := *agent
	clone.Properties = slices.Clone(agent.Properties)
	return &clone
}

func (s *MemoryAgentStore) Register(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemoryAgentStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

func (s *MemoryAgentStore) update(id string, fn func(*Agent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	fn(agent)
	return nil
}

func (s *MemoryAgentStore) Heartbeat(_ context.Context, id string, properties []string, at time.Time) error {
	return s.update(id, func(agent *Agent) {
		if properties != nil {
			agent.Properties = slices.Clone(properties)
		}
		agent.LastHeartbeat = at
	})
}

func (s *MemoryAgentStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	return s.update(id, func(agent *Agent) { agent.Enabled = enabled })
}

func (s *MemoryAgentStore) RequestShutdown(_ context.Context, id string) error {
	return s.update(id, func(agent *Agent) { agent.RequestShutdown = true })
}

func (s *MemoryAgentStore) List(_ context.Context) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, cloneAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}
