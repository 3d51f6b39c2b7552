// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/bureau-foundation/foreman/lib/clock"
)

// Config configures a Registry. Sources are consulted in order: when
// several offer work at once, the earliest wins.
type Config struct {
	Sources []TaskSource
	Leases  LeaseStore
	Agents  AgentStore
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Registry runs the lease protocol between agents and task sources.
type Registry struct {
	sources []TaskSource
	byName  map[string]TaskSource
	leases  LeaseStore
	agents  AgentStore
	clock   clock.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*activeLease
}

// activeLease is the in-process state of a lease: its connection-lost
// callback does not survive a restart.
type activeLease struct {
	agentID          string
	onConnectionLost func()
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Leases == nil || cfg.Agents == nil || cfg.Clock == nil {
		return nil, errors.New("lease: Leases, Agents and Clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	byName := make(map[string]TaskSource, len(cfg.Sources))
	for _, source := range cfg.Sources {
		if _, duplicate := byName[source.Name()]; duplicate {
			return nil, fmt.Errorf("lease: duplicate task source %q", source.Name())
		}
		byName[source.Name()] = source
	}
	return &Registry{
		sources: cfg.Sources,
		byName:  byName,
		leases:  cfg.Leases,
		agents:  cfg.Agents,
		clock:   cfg.Clock,
		logger:  logger,
		active:  make(map[string]*activeLease),
	}, nil
}

type offerResult struct {
	index int
	offer mo.Option[*NewLeaseInfo]
}

// TryAssign asks every source for work for agent and leases the first
// offer. It returns nil, nil when no source has anything. It blocks
// while a source holds the agent's subscription waiting, so callers
// bound it with ctx.
func (r *Registry) TryAssign(ctx context.Context, agent *Agent) (*Lease, error) {
	if !agent.Schedulable() {
		return nil, nil
	}

	var listeners []TaskListener
	defer func() {
		for _, listener := range listeners {
			listener.Close()
		}
	}()
	for _, source := range r.sources {
		listener, err := source.Subscribe(ctx, agent)
		if err != nil {
			r.logger.Error("task source subscribe failed",
				"source", source.Name(),
				"agent_id", agent.ID,
				"error", err,
			)
			continue
		}
		if listener != nil {
			listeners = append(listeners, listener)
		}
	}
	if len(listeners) == 0 {
		return nil, nil
	}

	done := make(chan struct{})
	defer close(done)
	results := make(chan offerResult, len(listeners))
	for index, listener := range listeners {
		go func() {
			select {
			case offer := <-listener.Offer():
				results <- offerResult{index: index, offer: offer}
			case <-done:
			}
		}()
	}

	outstanding := len(listeners)
	for outstanding > 0 {
		var ready []offerResult
		select {
		case result := <-results:
			ready = append(ready, result)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	drain:
		for {
			select {
			case result := <-results:
				ready = append(ready, result)
			default:
				break drain
			}
		}
		outstanding -= len(ready)

		if info := r.acceptFirst(agent, listeners, ready); info != nil {
			return r.commit(ctx, agent, info)
		}
	}
	return nil, nil
}

// acceptFirst accepts the offer in ready from the earliest source. A
// failed accept falls through to the next offer in the batch.
func (r *Registry) acceptFirst(agent *Agent, listeners []TaskListener, ready []offerResult) *NewLeaseInfo {
	sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
	for _, result := range ready {
		info, ok := result.offer.Get()
		if !ok {
			continue
		}
		if err := listeners[result.index].Accept(); err != nil {
			r.logger.Warn("accepting lease offer failed",
				"lease_id", info.Lease.ID,
				"agent_id", agent.ID,
				"error", err,
			)
			continue
		}
		return info
	}
	return nil
}

// commit persists an accepted lease. If the store refuses it the
// source is told to abort, so the work is not lost.
func (r *Registry) commit(ctx context.Context, agent *Agent, info *NewLeaseInfo) (*Lease, error) {
	lease := info.Lease
	if err := r.leases.Create(ctx, lease); err != nil {
		if source, ok := r.byName[lease.Source]; ok {
			if abortErr := source.AbortTask(ctx, agent, lease.ID, lease.Payload); abortErr != nil {
				r.logger.Error("aborting unpersisted lease failed", "lease_id", lease.ID, "error", abortErr)
			}
		}
		return nil, fmt.Errorf("persisting lease %s: %w", lease.ID, err)
	}

	r.mu.Lock()
	r.active[lease.ID] = &activeLease{agentID: agent.ID, onConnectionLost: info.OnConnectionLost}
	r.mu.Unlock()

	r.logger.Info("lease assigned",
		"lease_id", lease.ID,
		"agent_id", agent.ID,
		"source", lease.Source,
		"kind", lease.Kind.String(),
	)
	return lease, nil
}

// WaitForLease repeats TryAssign until it yields a lease, timeout
// passes, or ctx is cancelled. Between attempts it sleeps until a
// source reports new work. A timeout returns nil, nil.
func (r *Registry) WaitForLease(ctx context.Context, agent *Agent, timeout time.Duration) (*Lease, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deadline := r.clock.After(timeout)
	go func() {
		select {
		case <-deadline:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for {
		changed := make([]<-chan struct{}, len(r.sources))
		for i, source := range r.sources {
			changed[i] = source.Changed()
		}

		lease, err := r.TryAssign(waitCtx, agent)
		if lease != nil || (err != nil && waitCtx.Err() == nil) {
			return lease, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if waitCtx.Err() != nil {
			return nil, nil
		}
		if !waitAny(waitCtx, changed) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
	}
}

// waitAny blocks until one of channels is closed (true) or ctx is
// done (false).
func waitAny(ctx context.Context, channels []<-chan struct{}) bool {
	if len(channels) == 0 {
		<-ctx.Done()
		return false
	}
	woken := make(chan struct{}, len(channels))
	stop := make(chan struct{})
	defer close(stop)
	for _, channel := range channels {
		go func() {
			select {
			case <-channel:
				woken <- struct{}{}
			case <-stop:
			}
		}()
	}
	select {
	case <-woken:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReportLeaseResult records the agent's result for a lease. The first
// resolution of a lease wins; later ones return false, nil.
func (r *Registry) ReportLeaseResult(ctx context.Context, leaseID string, outcome Outcome, result []byte) (bool, error) {
	if outcome == OutcomePending {
		return false, fmt.Errorf("lease %s: result must carry a terminal outcome", leaseID)
	}
	resolved, err := r.leases.Resolve(ctx, leaseID, outcome, result, r.clock.Now())
	if err != nil || !resolved {
		return false, err
	}
	r.finish(ctx, leaseID)
	return true, nil
}

// AbortLease ends a lease from the server side. It is a no-op, false,
// when the lease already has an outcome.
func (r *Registry) AbortLease(ctx context.Context, leaseID string, reason string) (bool, error) {
	resolved, err := r.leases.Resolve(ctx, leaseID, OutcomeAborted, []byte(reason), r.clock.Now())
	if err != nil || !resolved {
		return false, err
	}

	lease, err := r.leases.Get(ctx, leaseID)
	if err != nil {
		return true, fmt.Errorf("reading aborted lease %s: %w", leaseID, err)
	}
	if source, ok := r.byName[lease.Source]; ok {
		agent, err := r.agents.Get(ctx, lease.AgentID)
		if err != nil {
			agent = &Agent{ID: lease.AgentID}
		}
		if err := source.AbortTask(ctx, agent, leaseID, lease.Payload); err != nil {
			r.logger.Error("task source abort failed",
				"lease_id", leaseID,
				"source", lease.Source,
				"error", err,
			)
		}
	}
	r.logger.Info("lease aborted", "lease_id", leaseID, "agent_id", lease.AgentID, "reason", reason)
	r.finish(ctx, leaseID)
	return true, nil
}

// finish drops in-process state for a resolved lease and hands the
// final record to its source.
func (r *Registry) finish(ctx context.Context, leaseID string) {
	r.mu.Lock()
	delete(r.active, leaseID)
	r.mu.Unlock()

	lease, err := r.leases.Get(ctx, leaseID)
	if err != nil {
		r.logger.Error("reading resolved lease failed", "lease_id", leaseID, "error", err)
		return
	}
	if handler, ok := r.byName[lease.Source].(ResultHandler); ok {
		handler.OnLeaseResult(ctx, lease)
	}
}

// ConnectionLost runs the connection-lost callbacks of the agent's
// leases and aborts every lease it still holds. It returns the number
// of leases aborted.
func (r *Registry) ConnectionLost(ctx context.Context, agentID string) (int, error) {
	r.mu.Lock()
	var callbacks []func()
	for _, active := range r.active {
		if active.agentID == agentID && active.onConnectionLost != nil {
			callbacks = append(callbacks, active.onConnectionLost)
		}
	}
	r.mu.Unlock()
	for _, callback := range callbacks {
		callback()
	}

	leases, err := r.leases.ListActive(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("listing leases of lost agent %s: %w", agentID, err)
	}
	aborted := 0
	var errs []error
	for _, lease := range leases {
		ok, err := r.AbortLease(ctx, lease.ID, "agent connection lost")
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			aborted++
		}
	}
	return aborted, errors.Join(errs...)
}

// ActiveLeases returns the agent's unresolved leases.
func (r *Registry) ActiveLeases(ctx context.Context, agentID string) ([]*Lease, error) {
	return r.leases.ListActive(ctx, agentID)
}

// Lease returns a lease by id.
func (r *Registry) Lease(ctx context.Context, leaseID string) (*Lease, error) {
	return r.leases.Get(ctx, leaseID)
}
