// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/foreman/lib/clock"
)

const defaultReconcileInterval = 30 * time.Second

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Pools   Store
	Streams StreamSource
	Clock   clock.Clock
	Logger  *slog.Logger

	// Interval between ticks. Defaults to 30 seconds.
	Interval time.Duration

	// OnChange is called after a tick that wrote at least one pool.
	OnChange func()
}

// Reconciler keeps each pool's workspace set equal to the set derived
// from stream configuration. It is the only writer of Pool.Workspaces.
type Reconciler struct {
	pools    Store
	streams  StreamSource
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	onChange func()

	running sync.Mutex
}

// TickResult summarizes one Tick.
type TickResult struct {
	// Passes counts snapshot/compare rounds; more than one means a
	// concurrent writer forced a retry.
	Passes int

	// Updated lists the pools whose workspaces were written.
	Updated []string

	// Skipped is true when another tick was already running.
	Skipped bool
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Pools == nil || cfg.Streams == nil || cfg.Clock == nil {
		return nil, errors.New("pool: Pools, Streams and Clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Reconciler{
		pools:    cfg.Pools,
		streams:  cfg.Streams,
		clock:    cfg.Clock,
		logger:   logger,
		interval: interval,
		onChange: cfg.OnChange,
	}, nil
}

// Run ticks once immediately and then every interval until ctx is
// cancelled. Tick errors are logged and retried on the next interval.
func (r *Reconciler) Run(ctx context.Context) {
	r.runTick(ctx)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runTick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) runTick(ctx context.Context) {
	result, err := r.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("pool reconcile failed", "error", err)
		}
		return
	}
	if len(result.Updated) > 0 {
		r.logger.Info("pools reconciled", "updated", result.Updated, "passes", result.Passes)
	}
}

// Tick reconciles every pool. When a compare-and-swap loses to a
// concurrent writer the whole tick restarts from a fresh snapshot,
// until a pass needs no retry or ctx is cancelled. A tick that starts
// while another is running returns immediately with Skipped set.
func (r *Reconciler) Tick(ctx context.Context) (result TickResult, err error) {
	if !r.running.TryLock() {
		r.logger.Debug("pool reconcile already running, skipping tick")
		result.Skipped = true
		return result, nil
	}
	defer r.running.Unlock()

	updated := make(map[string]struct{})
	defer func() {
		result.Updated = sortedKeys(updated)
		if len(updated) > 0 && r.onChange != nil {
			r.onChange()
		}
	}()

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		result.Passes++
		retry, passErr := r.pass(ctx, updated)
		if passErr != nil {
			return result, passErr
		}
		if !retry {
			return result, nil
		}
		r.logger.Debug("pool changed during reconcile, retrying", "pass", result.Passes)
	}
}

// pass runs one snapshot/derive/compare round. It reports whether any
// compare-and-swap was rejected.
func (r *Reconciler) pass(ctx context.Context, updated map[string]struct{}) (bool, error) {
	pools, err := r.pools.List(ctx)
	if err != nil {
		return false, fmt.Errorf("listing pools: %w", err)
	}
	streams, err := r.streams.ListStreams(ctx)
	if err != nil {
		return false, fmt.Errorf("listing streams: %w", err)
	}

	desired := r.derive(pools, streams)

	retry := false
	for _, pool := range pools {
		workspaces := desired[pool.ID]
		if WorkspacesEqual(pool.Workspaces, workspaces) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := r.pools.TryUpdateWorkspaces(ctx, pool, workspaces)
		if errors.Is(err, ErrPoolNotFound) {
			retry = true
			continue
		}
		if err != nil {
			return false, fmt.Errorf("updating pool %s: %w", pool.ID, err)
		}
		if !ok {
			retry = true
			continue
		}
		updated[pool.ID] = struct{}{}
		r.logger.Debug("pool workspaces updated",
			"pool", pool.ID,
			"version", pool.Version+1,
			"workspaces", len(workspaces),
		)
	}
	return retry, nil
}

// derive groups the workspaces implied by every stream and agent type
// by pool. Pools no stream references map to an empty set.
func (r *Reconciler) derive(pools []*Pool, streams []*Stream) map[string][]AgentWorkspace {
	desired := make(map[string][]AgentWorkspace, len(pools))
	seen := make(map[string]map[string]struct{}, len(pools))
	for _, pool := range pools {
		desired[pool.ID] = []AgentWorkspace{}
		seen[pool.ID] = make(map[string]struct{})
	}

	for _, stream := range streams {
		agentTypes := make([]string, 0, len(stream.AgentTypes))
		for name := range stream.AgentTypes {
			agentTypes = append(agentTypes, name)
		}
		sort.Strings(agentTypes)

		for _, agentType := range agentTypes {
			poolID, workspace, err := stream.AgentWorkspace(agentType)
			if err != nil {
				r.logger.Warn("skipping agent type", "stream", stream.ID, "agent_type", agentType, "error", err)
				continue
			}
			keys, ok := seen[poolID]
			if !ok {
				r.logger.Warn("agent type references unknown pool",
					"stream", stream.ID,
					"agent_type", agentType,
					"pool", poolID,
				)
				continue
			}
			key := workspace.key()
			if _, duplicate := keys[key]; duplicate {
				continue
			}
			keys[key] = struct{}{}
			desired[poolID] = append(desired[poolID], workspace)
		}
	}
	for _, workspaces := range desired {
		SortWorkspaces(workspaces)
	}
	return desired
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
