// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/ids"
)

// Registration is what an agent presents when it connects.
type Registration struct {
	// AgentID re-registers an existing agent. Empty registers a new
	// one.
	AgentID    string   `cbor:"agent_id,omitempty"`
	Name       string   `cbor:"name"`
	Pool       string   `cbor:"pool"`
	Properties []string `cbor:"properties,omitempty"`
}

// HeartbeatStatus is returned to the agent on every heartbeat.
type HeartbeatStatus struct {
	Enabled         bool `cbor:"enabled"`
	RequestShutdown bool `cbor:"request_shutdown"`
}

// Sessions issues and checks agent session tokens and records
// heartbeats.
type Sessions struct {
	agents AgentStore
	clock  clock.Clock
	logger *slog.Logger
}

func NewSessions(agents AgentStore, clk clock.Clock, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sessions{agents: agents, clock: clk, logger: logger}
}

// Register records the agent and issues a new session token. A
// re-registering agent keeps its enabled flag; a new agent starts
// enabled.
func (s *Sessions) Register(ctx context.Context, registration Registration) (*Agent, error) {
	if registration.Name == "" || registration.Pool == "" {
		return nil, errors.New("registration requires name and pool")
	}
	now := s.clock.Now()
	agent := &Agent{
		ID:            registration.AgentID,
		Name:          registration.Name,
		Pool:          registration.Pool,
		Properties:    slices.Clone(registration.Properties),
		SessionToken:  ids.New(ids.Session),
		Enabled:       true,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if agent.ID == "" {
		agent.ID = ids.New(ids.Agent)
	} else if existing, err := s.agents.Get(ctx, agent.ID); err == nil {
		agent.Enabled = existing.Enabled
		agent.RegisteredAt = existing.RegisteredAt
	} else if !errors.Is(err, ErrAgentNotFound) {
		return nil, err
	}

	if err := s.agents.Register(ctx, agent); err != nil {
		return nil, fmt.Errorf("registering agent %s: %w", agent.ID, err)
	}
	s.logger.Info("agent registered",
		"agent_id", agent.ID,
		"name", agent.Name,
		"pool", agent.Pool,
	)
	return agent, nil
}

// Authenticate returns the agent if token is its current session.
func (s *Sessions) Authenticate(ctx context.Context, agentID, token string) (*Agent, error) {
	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(agent.SessionToken), []byte(token)) != 1 {
		return nil, ErrInvalidSession
	}
	return agent, nil
}

// Heartbeat refreshes the agent's liveness and, when properties is
// non-nil, its advertised capabilities.
func (s *Sessions) Heartbeat(ctx context.Context, agentID, token string, properties []string) (HeartbeatStatus, error) {
	agent, err := s.Authenticate(ctx, agentID, token)
	if err != nil {
		return HeartbeatStatus{}, err
	}
	if err := s.agents.Heartbeat(ctx, agentID, properties, s.clock.Now()); err != nil {
		return HeartbeatStatus{}, err
	}
	return HeartbeatStatus{Enabled: agent.Enabled, RequestShutdown: agent.RequestShutdown}, nil
}

// ConnectionLoser is the part of Registry the Monitor drives.
type ConnectionLoser interface {
	ConnectionLost(ctx context.Context, agentID string) (int, error)
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Agents   AgentStore
	Registry ConnectionLoser
	Clock    clock.Clock
	Logger   *slog.Logger

	// Timeout is how long an agent may go without a heartbeat.
	Timeout time.Duration

	// Interval is how often heartbeats are checked. Defaults to a
	// quarter of Timeout.
	Interval time.Duration
}

// Monitor declares agents lost when their heartbeats stop.
type Monitor struct {
	agents   AgentStore
	registry ConnectionLoser
	clock    clock.Clock
	logger   *slog.Logger
	timeout  time.Duration
	interval time.Duration

	mu sync.Mutex
	// lost maps agent id to the heartbeat time it was declared lost
	// at, so an agent is reported once per silence.
	lost map[string]time.Time
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Agents == nil || cfg.Registry == nil || cfg.Clock == nil {
		return nil, errors.New("lease: Agents, Registry and Clock are required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("lease: monitor timeout must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = cfg.Timeout / 4
	}
	return &Monitor{
		agents:   cfg.Agents,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		logger:   logger,
		timeout:  cfg.Timeout,
		interval: interval,
		lost:     make(map[string]time.Time),
	}, nil
}

// Run checks heartbeats every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick declares lost every agent whose last heartbeat is older than
// the timeout. It returns the ids it declared lost.
func (m *Monitor) Tick(ctx context.Context) []string {
	agents, err := m.agents.List(ctx)
	if err != nil {
		m.logger.Error("listing agents for heartbeat check failed", "error", err)
		return nil
	}
	now := m.clock.Now()

	m.mu.Lock()
	var silent []*Agent
	for _, agent := range agents {
		if now.Sub(agent.LastHeartbeat) < m.timeout {
			delete(m.lost, agent.ID)
			continue
		}
		if reported, ok := m.lost[agent.ID]; ok && reported.Equal(agent.LastHeartbeat) {
			continue
		}
		m.lost[agent.ID] = agent.LastHeartbeat
		silent = append(silent, agent)
	}
	m.mu.Unlock()

	var lost []string
	for _, agent := range silent {
		aborted, err := m.registry.ConnectionLost(ctx, agent.ID)
		if err != nil {
			m.logger.Error("handling lost agent failed", "agent_id", agent.ID, "error", err)
		}
		m.logger.Warn("agent heartbeat timed out",
			"agent_id", agent.ID,
			"last_heartbeat", agent.LastHeartbeat,
			"leases_aborted", aborted,
		)
		lost = append(lost, agent.ID)
	}
	return lost
}
