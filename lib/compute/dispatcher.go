// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/ids"
	"github.com/bureau-foundation/foreman/lib/lease"
)

// SourceName is the Name of the Dispatcher task source.
const SourceName = "compute"

const defaultMaxAttempts = 3

// Config configures a Dispatcher.
type Config struct {
	Blobs  BlobStore
	Clock  clock.Clock
	Logger *slog.Logger

	// MaxAttempts bounds how often a task is requeued after its lease
	// is aborted. Defaults to 3.
	MaxAttempts int
}

// Dispatcher queues compute tasks for agents and reports their
// progress per channel. It is a lease.TaskSource and the
// lease.ResultHandler for its own leases.
type Dispatcher struct {
	blobs       BlobStore
	clock       clock.Clock
	logger      *slog.Logger
	maxAttempts int
	queue       *lease.Queue[queuedTask]

	mu           sync.Mutex
	requirements map[blob.Hash]Requirements
	channels     map[string]*channel
	byLease      map[string]queuedTask

	// verified holds queue item ids whose task blob has been seen.
	verified map[string]struct{}
}

type queuedTask struct {
	Task         lease.ComputeTask
	Requirements Requirements
	Attempts     int
}

func (t queuedTask) itemID() string {
	return t.Task.ChannelID + "/" + t.Task.TaskHash.String() + "/" + strconv.Itoa(t.Attempts)
}

type channel struct {
	updates     []TaskStatus
	outstanding int
	pollers     int
	notify      *lease.Notifier
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Blobs == nil || cfg.Clock == nil {
		return nil, errors.New("compute: Blobs and Clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		blobs:        cfg.Blobs,
		clock:        cfg.Clock,
		logger:       logger,
		maxAttempts:  maxAttempts,
		queue:        lease.NewQueue[queuedTask](nil),
		requirements: make(map[blob.Hash]Requirements),
		channels:     make(map[string]*channel),
		byLease:      make(map[string]queuedTask),
		verified:     make(map[string]struct{}),
	}, nil
}

func (d *Dispatcher) Name() string { return SourceName }

func (d *Dispatcher) Changed() <-chan struct{} { return d.queue.Changed() }

// AddTasks queues tasks on channelID. Each task emits a Queued update.
// When the requirements blob is missing every task ends at once in
// BlobNotFound.
func (d *Dispatcher) AddTasks(ctx context.Context, namespace string, requirementsHash blob.Hash, taskHashes []blob.Hash, channelID string) error {
	if namespace == "" || channelID == "" {
		return errors.New("compute: namespace and channel are required")
	}
	requirements, err := d.loadRequirements(ctx, requirementsHash)
	missing, isMissing := MissingHash(err)
	if err != nil && !isMissing {
		return fmt.Errorf("loading requirements %s: %w", requirementsHash, err)
	}

	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.channelLocked(channelID)
	for _, taskHash := range taskHashes {
		if isMissing {
			ch.outstanding++
			d.emitLocked(ch, TaskStatus{TaskHash: taskHash, State: StateBlobNotFound, MissingHash: missing, Time: now})
			continue
		}
		task := queuedTask{
			Task: lease.ComputeTask{
				Namespace:        namespace,
				RequirementsHash: requirementsHash,
				TaskHash:         taskHash,
				ChannelID:        channelID,
			},
			Requirements: requirements,
		}
		if err := d.queue.Enqueue(task.itemID(), task, 0, now); err != nil {
			d.logger.Debug("compute task already queued", "channel_id", channelID, "task_hash", taskHash)
			continue
		}
		ch.outstanding++
		d.emitLocked(ch, TaskStatus{TaskHash: taskHash, State: StateQueued, Time: now})
	}
	d.logger.Info("compute tasks added",
		"namespace", namespace,
		"channel_id", channelID,
		"tasks", len(taskHashes),
	)
	return nil
}

func (d *Dispatcher) loadRequirements(ctx context.Context, hash blob.Hash) (Requirements, error) {
	d.mu.Lock()
	cached, ok := d.requirements[hash]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}
	requirements, err := ReadRequirements(ctx, d.blobs, hash)
	if err != nil {
		return Requirements{}, err
	}
	d.mu.Lock()
	d.requirements[hash] = requirements
	d.mu.Unlock()
	return requirements, nil
}

// GetTaskUpdates returns the updates buffered for channelID, waiting
// for at least one if none are. Cancellation returns whatever is
// buffered, possibly nothing, without an error.
func (d *Dispatcher) GetTaskUpdates(ctx context.Context, channelID string) ([]TaskStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.channelLocked(channelID)
	ch.pollers++
	defer func() {
		ch.pollers--
		d.forgetIdleLocked(channelID, ch)
	}()

	for {
		if updates := ch.drain(); len(updates) > 0 {
			return updates, nil
		}
		changed := ch.notify.Changed()
		d.mu.Unlock()

		select {
		case <-changed:
			d.mu.Lock()
		case <-ctx.Done():
			d.mu.Lock()
			updates := ch.drain()
			if updates == nil {
				updates = []TaskStatus{}
			}
			return updates, nil
		}
	}
}

func (ch *channel) drain() []TaskStatus {
	updates := ch.updates
	ch.updates = nil
	return updates
}

// forgetIdleLocked drops a channel with no task outstanding, nothing
// buffered and nobody polling. Polls of unknown ids end here too.
func (d *Dispatcher) forgetIdleLocked(channelID string, ch *channel) {
	if ch.outstanding == 0 && len(ch.updates) == 0 && ch.pollers == 0 {
		delete(d.channels, channelID)
	}
}

func (d *Dispatcher) channelLocked(channelID string) *channel {
	ch, ok := d.channels[channelID]
	if !ok {
		ch = &channel{notify: lease.NewNotifier()}
		d.channels[channelID] = ch
	}
	return ch
}

func (d *Dispatcher) emitLocked(ch *channel, status TaskStatus) {
	ch.updates = append(ch.updates, status)
	if status.State.Terminal() {
		ch.outstanding--
	}
	ch.notify.Broadcast()
}

// Subscribe offers agent the oldest task its pool and properties
// satisfy. Task blobs are checked once before their first offer; a
// missing one ends the task in BlobNotFound.
func (d *Dispatcher) Subscribe(ctx context.Context, agent *lease.Agent) (lease.TaskListener, error) {
	eligible := func(task queuedTask) bool { return task.Requirements.Matches(agent) }
	if err := d.verifyPending(ctx, eligible); err != nil {
		return nil, err
	}
	return d.queue.Subscribe(agent, eligible, d.offer, d.accept)
}

// verifyPending drops eligible tasks whose blob is gone, so an agent
// is never leased a task it cannot read.
func (d *Dispatcher) verifyPending(ctx context.Context, eligible func(queuedTask) bool) error {
	for _, item := range d.queue.Pending() {
		if !eligible(item.Value) || d.isVerified(item.ID) {
			continue
		}
		exists, err := d.blobs.HasBlob(ctx, item.Value.Task.TaskHash)
		if err != nil {
			return fmt.Errorf("checking task blob %s: %w", item.Value.Task.TaskHash, err)
		}
		if exists {
			d.mu.Lock()
			d.verified[item.ID] = struct{}{}
			d.mu.Unlock()
			continue
		}
		if removed, _ := d.queue.Remove(item.ID); removed {
			d.logger.Warn("compute task blob missing", "channel_id", item.Value.Task.ChannelID, "task_hash", item.Value.Task.TaskHash)
			d.finish(item.Value, TaskStatus{
				TaskHash:    item.Value.Task.TaskHash,
				State:       StateBlobNotFound,
				MissingHash: item.Value.Task.TaskHash,
			})
		}
	}
	return nil
}

func (d *Dispatcher) isVerified(itemID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.verified[itemID]
	return ok
}

func (d *Dispatcher) offer(agent *lease.Agent, item *lease.Item[queuedTask]) (*lease.NewLeaseInfo, error) {
	newLease, err := lease.NewLease(ids.New(ids.Lease), agent.ID, SourceName, item.Value.Task, d.clock.Now())
	if err != nil {
		return nil, err
	}
	return &lease.NewLeaseInfo{Lease: newLease}, nil
}

func (d *Dispatcher) accept(item *lease.Item[queuedTask], info *lease.NewLeaseInfo) error {
	task := item.Value
	task.Attempts++

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.verified, item.ID)
	d.byLease[info.Lease.ID] = task
	d.emitLocked(d.channelLocked(task.Task.ChannelID), TaskStatus{
		TaskHash: task.Task.TaskHash,
		State:    StateExecuting,
		AgentID:  info.Lease.AgentID,
		LeaseID:  info.Lease.ID,
		Time:     d.clock.Now(),
	})
	return nil
}

// AbortTask has nothing to undo: OnLeaseResult sees the Aborted
// outcome and requeues the task.
func (d *Dispatcher) AbortTask(_ context.Context, agent *lease.Agent, leaseID string, _ []byte) error {
	d.logger.Debug("compute lease aborted", "agent_id", agent.ID, "lease_id", leaseID)
	return nil
}

// OnLeaseResult maps a finished compute lease to its terminal update.
func (d *Dispatcher) OnLeaseResult(_ context.Context, finished *lease.Lease) {
	d.mu.Lock()
	task, ok := d.byLease[finished.ID]
	delete(d.byLease, finished.ID)
	d.mu.Unlock()
	if !ok {
		return
	}

	status := TaskStatus{
		TaskHash: task.Task.TaskHash,
		AgentID:  finished.AgentID,
		LeaseID:  finished.ID,
	}
	// Aborted leases carry the server's reason as plain text; every
	// other outcome carries the agent's ResultReport.
	var report ResultReport
	switch {
	case finished.Outcome == lease.OutcomeAborted:
		report.Detail = "aborted: " + string(finished.Result)
	case len(finished.Result) > 0:
		if err := codec.Unmarshal(finished.Result, &report); err != nil {
			report.Detail = fmt.Sprintf("undecodable result: %v", err)
		}
	}

	switch {
	case finished.Outcome == lease.OutcomeSuccess && !report.ResultHash.IsZero():
		status.State = StateCompleted
		status.ResultHash = report.ResultHash
	case !report.MissingHash.IsZero():
		status.State = StateBlobNotFound
		status.MissingHash = report.MissingHash
	case finished.Outcome == lease.OutcomeAborted && task.Attempts < d.maxAttempts:
		d.requeue(task)
		return
	default:
		status.State = StateException
		status.Detail = report.Detail
		if status.Detail == "" {
			status.Detail = "lease ended " + finished.Outcome.String()
		}
	}
	d.finish(task, status)
}

func (d *Dispatcher) requeue(task queuedTask) {
	now := d.clock.Now()
	d.logger.Warn("compute lease aborted, requeueing",
		"channel_id", task.Task.ChannelID,
		"task_hash", task.Task.TaskHash,
		"attempts", task.Attempts,
	)
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.channelLocked(task.Task.ChannelID)
	// Queued is emitted under mu before any agent can accept the
	// requeued item, so it always precedes the next Executing.
	if err := d.queue.Enqueue(task.itemID(), task, 0, now); err != nil {
		d.emitLocked(ch, TaskStatus{TaskHash: task.Task.TaskHash, State: StateException, Detail: err.Error(), Time: now})
		return
	}
	d.emitLocked(ch, TaskStatus{TaskHash: task.Task.TaskHash, State: StateQueued, Time: now})
}

func (d *Dispatcher) finish(task queuedTask, status TaskStatus) {
	status.Time = d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitLocked(d.channelLocked(task.Task.ChannelID), status)
}
