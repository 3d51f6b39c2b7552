// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/ids"
	"github.com/bureau-foundation/foreman/lib/pool"
)

// ConformSourceName is the Name of ConformSource.
const ConformSourceName = "conform"

const defaultConformRetryDelay = time.Minute

// PoolGetter reads one pool. pool.Store implements it.
type PoolGetter interface {
	Get(ctx context.Context, id string) (*pool.Pool, error)
}

// ConformConfig configures a ConformSource.
type ConformConfig struct {
	Pools  PoolGetter
	Clock  clock.Clock
	Logger *slog.Logger

	// RetryDelay is how long after a failed conform the agent is
	// offered another. Defaults to one minute.
	RetryDelay time.Duration
}

// ConformSource keeps each agent's workspaces matching its pool. An
// agent is due a conform task when its pool's workspace set differs
// from the one it last conformed to, or when the pool's
// ConformInterval has passed. Conform tasks are addressed to one agent
// and never offered to another.
type ConformSource struct {
	pools      PoolGetter
	clock      clock.Clock
	logger     *slog.Logger
	retryDelay time.Duration
	queue      *Queue[conformItem]
	notify     *Notifier

	mu     sync.Mutex
	agents map[string]*conformState
}

type conformItem struct {
	AgentID string
	Task    ConformTask
}

type conformState struct {
	// digest is pool.WorkspacesDigest of the last conformed set; empty
	// until the first success or after Request.
	digest      string
	conformedAt time.Time
	failedAt    time.Time
	leaseID     string
	queued      bool
}

func NewConformSource(cfg ConformConfig) (*ConformSource, error) {
	if cfg.Pools == nil || cfg.Clock == nil {
		return nil, errors.New("lease: Pools and Clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultConformRetryDelay
	}
	return &ConformSource{
		pools:      cfg.Pools,
		clock:      cfg.Clock,
		logger:     logger,
		retryDelay: retryDelay,
		queue:      NewQueue[conformItem](nil),
		notify:     NewNotifier(),
		agents:     make(map[string]*conformState),
	}, nil
}

func (s *ConformSource) Name() string { return ConformSourceName }

func (s *ConformSource) Changed() <-chan struct{} { return s.notify.Changed() }

// PoolsChanged wakes waiting agents after pool workspaces change.
func (s *ConformSource) PoolsChanged() { s.notify.Broadcast() }

// Request makes the agent due a conform on its next poll.
func (s *ConformSource) Request(agentID string) {
	s.mu.Lock()
	s.stateLocked(agentID).digest = ""
	s.mu.Unlock()
	s.notify.Broadcast()
}

func (s *ConformSource) stateLocked(agentID string) *conformState {
	state, ok := s.agents[agentID]
	if !ok {
		state = &conformState{}
		s.agents[agentID] = state
	}
	return state
}

func (s *ConformSource) Subscribe(ctx context.Context, agent *Agent) (TaskListener, error) {
	current, err := s.pools.Get(ctx, agent.Pool)
	if errors.Is(err, pool.ErrPoolNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.schedule(agent, current); err != nil {
		return nil, err
	}

	return s.queue.Subscribe(agent,
		func(item conformItem) bool { return item.AgentID == agent.ID },
		func(agent *Agent, item *Item[conformItem]) (*NewLeaseInfo, error) {
			lease, err := NewLease(ids.New(ids.Lease), agent.ID, s.Name(), item.Value.Task, s.clock.Now())
			if err != nil {
				return nil, err
			}
			return &NewLeaseInfo{Lease: lease}, nil
		},
		func(item *Item[conformItem], info *NewLeaseInfo) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			state := s.stateLocked(item.Value.AgentID)
			state.queued = false
			state.leaseID = info.Lease.ID
			return nil
		},
	)
}

// schedule queues a conform task for agent when one is due.
func (s *ConformSource) schedule(agent *Agent, current *pool.Pool) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.stateLocked(agent.ID)
	if state.queued || state.leaseID != "" {
		return nil
	}
	if !state.failedAt.IsZero() && now.Sub(state.failedAt) < s.retryDelay {
		return nil
	}
	stale := state.digest != pool.WorkspacesDigest(current.Workspaces)
	expired := current.ConformInterval > 0 && now.Sub(state.conformedAt) >= current.ConformInterval
	if !stale && !expired {
		return nil
	}

	item := conformItem{
		AgentID: agent.ID,
		Task: ConformTask{
			PoolID:      current.ID,
			PoolVersion: current.Version,
			Workspaces:  current.Clone().Workspaces,
		},
	}
	if err := s.queue.Enqueue("conform/"+agent.ID, item, 0, now); err != nil {
		return err
	}
	state.queued = true
	return nil
}

// AbortTask has nothing to undo: the result handler clears the
// agent's in-flight lease for every outcome.
func (s *ConformSource) AbortTask(_ context.Context, agent *Agent, leaseID string, _ []byte) error {
	s.logger.Debug("conform lease aborted", "agent_id", agent.ID, "lease_id", leaseID)
	return nil
}

func (s *ConformSource) OnLeaseResult(_ context.Context, lease *Lease) {
	task, err := lease.Task()
	if err != nil {
		s.logger.Error("decoding conform lease failed", "lease_id", lease.ID, "error", err)
		return
	}
	conform, ok := task.(ConformTask)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(lease.AgentID)
	if state.leaseID != lease.ID {
		return
	}
	state.leaseID = ""
	switch lease.Outcome {
	case OutcomeSuccess:
		state.digest = pool.WorkspacesDigest(conform.Workspaces)
		state.conformedAt = lease.FinishTime
		state.failedAt = time.Time{}
	case OutcomeAborted:
		// Retried as soon as the agent is back.
	default:
		state.failedAt = lease.FinishTime
		s.logger.Warn("conform failed",
			"agent_id", lease.AgentID,
			"pool", conform.PoolID,
			"outcome", lease.Outcome.String(),
		)
	}
}
