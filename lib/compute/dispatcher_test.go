// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	blobs      *blob.Store
	dispatcher *Dispatcher
	registry   *lease.Registry
	clock      *clock.FakeClock
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	blobs, err := blob.NewStore(blob.Config{Backend: blob.NewMemoryBackend(clk)})
	if err != nil {
		t.Fatalf("blob.NewStore: %v", err)
	}
	dispatcher, err := New(Config{Blobs: blobs, Clock: clk, MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	registry, err := lease.NewRegistry(lease.Config{
		Sources: []lease.TaskSource{dispatcher},
		Leases:  lease.NewMemoryLeaseStore(),
		Agents:  lease.NewMemoryAgentStore(),
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &fixture{blobs: blobs, dispatcher: dispatcher, registry: registry, clock: clk}
}

func agent(id, pool string, properties ...string) *lease.Agent {
	return &lease.Agent{ID: id, Name: id, Pool: pool, Properties: properties, Enabled: true}
}

func (f *fixture) requirements(t *testing.T, requirements Requirements) blob.Hash {
	t.Helper()
	hash, err := WriteRequirements(context.Background(), f.blobs, requirements)
	if err != nil {
		t.Fatalf("WriteRequirements: %v", err)
	}
	return hash
}

func (f *fixture) task(t *testing.T, executable string) blob.Hash {
	t.Helper()
	hash, err := WriteTaskDefinition(context.Background(), f.blobs, ComputeTaskDefinition{Executable: executable})
	if err != nil {
		t.Fatalf("WriteTaskDefinition: %v", err)
	}
	return hash
}

func (f *fixture) add(t *testing.T, requirements blob.Hash, channelID string, tasks ...blob.Hash) {
	t.Helper()
	if err := f.dispatcher.AddTasks(context.Background(), "default", requirements, tasks, channelID); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
}

func (f *fixture) assign(t *testing.T, a *lease.Agent) *lease.Lease {
	t.Helper()
	assigned, err := f.registry.TryAssign(context.Background(), a)
	if err != nil {
		t.Fatalf("TryAssign: %v", err)
	}
	return assigned
}

func (f *fixture) report(t *testing.T, leaseID string, outcome lease.Outcome, report ResultReport) {
	t.Helper()
	payload, err := codec.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.ReportLeaseResult(context.Background(), leaseID, outcome, payload); err != nil {
		t.Fatalf("ReportLeaseResult: %v", err)
	}
}

// updates reads the channel without blocking.
func (f *fixture) updates(t *testing.T, channelID string) []TaskStatus {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	updates, err := f.dispatcher.GetTaskUpdates(ctx, channelID)
	if err != nil {
		t.Fatalf("GetTaskUpdates: %v", err)
	}
	return updates
}

func states(updates []TaskStatus) []TaskState {
	result := make([]TaskState, len(updates))
	for i, update := range updates {
		result[i] = update.State
	}
	return result
}

func requireStates(t *testing.T, updates []TaskStatus, want ...TaskState) {
	t.Helper()
	got := states(updates)
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	requirements := f.requirements(t, Requirements{Pool: "linux"})
	taskHash := f.task(t, "/bin/true")
	f.add(t, requirements, "chan-1", taskHash)
	requireStates(t, f.updates(t, "chan-1"), StateQueued)

	assigned := f.assign(t, agent("a", "linux"))
	if assigned == nil || assigned.Kind != lease.KindCompute {
		t.Fatalf("lease = %+v, want a compute lease", assigned)
	}
	task, _ := assigned.Task()
	if got := task.(lease.ComputeTask); got.TaskHash != taskHash || got.ChannelID != "chan-1" || got.RequirementsHash != requirements {
		t.Errorf("task = %+v", got)
	}

	resultHash, err := WriteTaskResult(context.Background(), f.blobs, ComputeTaskResult{ExitCode: 0})
	if err != nil {
		t.Fatal(err)
	}
	f.report(t, assigned.ID, lease.OutcomeSuccess, ResultReport{ResultHash: resultHash})

	updates := f.updates(t, "chan-1")
	requireStates(t, updates, StateExecuting, StateCompleted)
	if updates[0].AgentID != "a" || updates[0].LeaseID != assigned.ID {
		t.Errorf("executing update = %+v", updates[0])
	}
	if updates[1].ResultHash != resultHash {
		t.Errorf("completed result = %s, want %s", updates[1].ResultHash, resultHash)
	}
}

func TestRequirementsSelectAgents(t *testing.T) {
	f := newFixture(t, 0)
	requirements := f.requirements(t, Requirements{Pool: "linux", Properties: []string{"gpu"}})
	f.add(t, requirements, "chan", f.task(t, "train"))

	if got := f.assign(t, agent("win", "windows", "gpu")); got != nil {
		t.Error("agent of another pool got the task")
	}
	if got := f.assign(t, agent("cpu", "linux")); got != nil {
		t.Error("agent without gpu got the task")
	}
	if got := f.assign(t, agent("gpu", "linux", "gpu")); got == nil {
		t.Error("matching agent did not get the task")
	}
}

func TestMissingRequirementsBlob(t *testing.T) {
	f := newFixture(t, 0)
	missing := blob.HashData([]byte("never written"))
	taskHash := f.task(t, "x")
	f.add(t, missing, "chan", taskHash)

	updates := f.updates(t, "chan")
	requireStates(t, updates, StateBlobNotFound)
	if updates[0].MissingHash != missing || updates[0].TaskHash != taskHash {
		t.Errorf("update = %+v", updates[0])
	}
	if got := f.assign(t, agent("a", "linux")); got != nil {
		t.Error("task with missing requirements was leased")
	}
}

func TestMissingTaskBlob(t *testing.T) {
	f := newFixture(t, 0)
	missing := blob.HashData([]byte("no such task"))
	present := f.task(t, "present")
	f.add(t, f.requirements(t, Requirements{}), "chan", missing, present)

	assigned := f.assign(t, agent("a", "any"))
	if assigned == nil {
		t.Fatal("present task not leased")
	}
	task, _ := assigned.Task()
	if task.(lease.ComputeTask).TaskHash != present {
		t.Error("missing task was leased")
	}

	updates := f.updates(t, "chan")
	requireStates(t, updates, StateQueued, StateQueued, StateBlobNotFound, StateExecuting)
	if updates[2].MissingHash != missing {
		t.Errorf("blob not found update = %+v", updates[2])
	}
}

func TestAgentReportsMissingBlob(t *testing.T) {
	f := newFixture(t, 0)
	f.add(t, f.requirements(t, Requirements{}), "chan", f.task(t, "x"))
	assigned := f.assign(t, agent("a", "linux"))
	sandbox := blob.HashData([]byte("sandbox"))
	f.report(t, assigned.ID, lease.OutcomeFailure, ResultReport{MissingHash: sandbox, Detail: "materializing"})

	updates := f.updates(t, "chan")
	last := updates[len(updates)-1]
	if last.State != StateBlobNotFound || last.MissingHash != sandbox {
		t.Errorf("final update = %+v, want BlobNotFound for the sandbox", last)
	}
}

func TestExecutorFailureIsException(t *testing.T) {
	f := newFixture(t, 0)
	f.add(t, f.requirements(t, Requirements{}), "chan", f.task(t, "x"))
	assigned := f.assign(t, agent("a", "linux"))
	f.report(t, assigned.ID, lease.OutcomeException, ResultReport{Detail: "panic: index out of range"})

	updates := f.updates(t, "chan")
	last := updates[len(updates)-1]
	if last.State != StateException || last.Detail != "panic: index out of range" {
		t.Errorf("final update = %+v", last)
	}
}

func TestAbortedTaskRequeued(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.add(t, f.requirements(t, Requirements{}), "chan", f.task(t, "x"))

	first := f.assign(t, agent("a", "linux"))
	f.registry.AbortLease(ctx, first.ID, "agent lost")
	second := f.assign(t, agent("b", "linux"))
	if second == nil {
		t.Fatal("aborted task not requeued")
	}
	f.registry.AbortLease(ctx, second.ID, "agent lost")

	updates := f.updates(t, "chan")
	requireStates(t, updates, StateQueued, StateExecuting, StateQueued, StateExecuting, StateException)
	if updates[4].Detail != "aborted: agent lost" {
		t.Errorf("detail = %q", updates[4].Detail)
	}
	if got := f.assign(t, agent("c", "linux")); got != nil {
		t.Error("task offered after exhausting attempts")
	}
}

func TestDuplicateTaskOnChannelQueuedOnce(t *testing.T) {
	f := newFixture(t, 0)
	requirements := f.requirements(t, Requirements{})
	taskHash := f.task(t, "x")
	f.add(t, requirements, "chan", taskHash)
	f.add(t, requirements, "chan", taskHash)
	requireStates(t, f.updates(t, "chan"), StateQueued)
}

func TestGetTaskUpdatesWaits(t *testing.T) {
	f := newFixture(t, 0)
	requirements := f.requirements(t, Requirements{})
	taskHash := f.task(t, "x")

	results := make(chan []TaskStatus, 1)
	go func() {
		updates, _ := f.dispatcher.GetTaskUpdates(context.Background(), "chan")
		results <- updates
	}()
	testutil.RequireNoReceive(t, results, 20*time.Millisecond, "GetTaskUpdates returned with nothing buffered")

	f.add(t, requirements, "chan", taskHash)
	updates := testutil.RequireReceive(t, results, 5*time.Second, "GetTaskUpdates did not wake")
	requireStates(t, updates, StateQueued)
}

func TestGetTaskUpdatesCancel(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan []TaskStatus, 1)
	errs := make(chan error, 1)
	go func() {
		updates, err := f.dispatcher.GetTaskUpdates(ctx, "idle")
		errs <- err
		results <- updates
	}()
	cancel()

	if err := testutil.RequireReceive(t, errs, 5*time.Second, "GetTaskUpdates ignored cancel"); err != nil {
		t.Errorf("cancelled GetTaskUpdates error = %v, want nil", err)
	}
	if updates := <-results; updates == nil || len(updates) != 0 {
		t.Errorf("cancelled GetTaskUpdates = %v, want empty", updates)
	}
}

func (f *fixture) channelCount() int {
	f.dispatcher.mu.Lock()
	defer f.dispatcher.mu.Unlock()
	return len(f.dispatcher.channels)
}

func TestPollingUnknownChannelsLeavesNoState(t *testing.T) {
	f := newFixture(t, 0)
	for _, channelID := range []string{"bogus-1", "bogus-2", "bogus-1"} {
		if updates := f.updates(t, channelID); len(updates) != 0 {
			t.Errorf("%s: updates = %v, want none", channelID, updates)
		}
	}
	if n := f.channelCount(); n != 0 {
		t.Errorf("%d channels remembered after empty polls, want 0", n)
	}
}

func TestChannelForgottenAfterLastUpdate(t *testing.T) {
	f := newFixture(t, 0)
	requirements := f.requirements(t, Requirements{Pool: "linux"})
	f.add(t, requirements, "chan", f.task(t, "/bin/true"))
	requireStates(t, f.updates(t, "chan"), StateQueued)
	if n := f.channelCount(); n != 1 {
		t.Fatalf("%d channels with a task outstanding, want 1", n)
	}

	assigned := f.assign(t, agent("a", "linux"))
	f.report(t, assigned.ID, lease.OutcomeException, ResultReport{Detail: "crashed"})
	requireStates(t, f.updates(t, "chan"), StateExecuting, StateException)
	if n := f.channelCount(); n != 0 {
		t.Errorf("%d channels after the last update was read, want 0", n)
	}
}

func TestAddTasksValidation(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.dispatcher.AddTasks(context.Background(), "", blob.Hash{}, nil, "chan"); err == nil {
		t.Error("empty namespace accepted")
	}
	if err := f.dispatcher.AddTasks(context.Background(), "ns", blob.Hash{}, nil, ""); err == nil {
		t.Error("empty channel accepted")
	}
}
