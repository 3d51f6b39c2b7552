// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/compute"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/logbuilder"
)

type apiFixture struct {
	client   *Client
	registry *lease.Registry
	jobs     *lease.JobSource
	logs     *logbuilder.MemoryBuilder
	api      *api
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clk := clock.Real()
	agents := lease.NewMemoryAgentStore()
	blobs, err := blob.NewStore(blob.Config{Backend: blob.NewMemoryBackend(clk)})
	if err != nil {
		t.Fatalf("blob.NewStore: %v", err)
	}
	dispatcher, err := compute.New(compute.Config{Blobs: blobs, Clock: clk})
	if err != nil {
		t.Fatalf("compute.New: %v", err)
	}
	jobs, err := lease.NewJobSource(lease.JobConfig{Clock: clk})
	if err != nil {
		t.Fatalf("NewJobSource: %v", err)
	}
	registry, err := lease.NewRegistry(lease.Config{
		Sources: []lease.TaskSource{jobs, dispatcher},
		Leases:  lease.NewMemoryLeaseStore(),
		Agents:  agents,
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	logs := logbuilder.NewMemoryBuilder(clk, nil)

	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	cfg := APIConfig{
		Registry: registry,
		Sessions: lease.NewSessions(agents, clk, nil),
		Logs:     logs,
		Blobs:    blobs,
		Compute:  dispatcher,
		MaxWait:  5 * time.Second,
	}
	if err := RegisterAPI(server, cfg); err != nil {
		t.Fatalf("RegisterAPI: %v", err)
	}
	serve(t, server, socketPath)

	return &apiFixture{
		client:   NewClient(socketPath),
		registry: registry,
		jobs:     jobs,
		logs:     logs,
		api:      &api{APIConfig: cfg},
	}
}

func (f *apiFixture) register(t *testing.T, name, pool string) *AgentClient {
	t.Helper()
	agent, err := Register(context.Background(), f.client, lease.Registration{Name: name, Pool: pool})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return agent
}

func (f *apiFixture) addJob(t *testing.T, pool string) string {
	t.Helper()
	id, err := f.jobs.AddJob(context.Background(), lease.JobSpec{
		Name:  "build",
		Pool:  pool,
		Steps: []lease.StepSpec{{Name: "compile", Command: []string{"make"}}},
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return id
}

func TestAgentSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	agent := f.register(t, "builder-1", "linux")

	status, err := agent.Heartbeat(ctx, []string{"os=linux"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !status.Enabled || status.RequestShutdown {
		t.Errorf("heartbeat status = %+v", status)
	}

	jobID := f.addJob(t, "linux")
	leased, err := agent.WaitForLease(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForLease: %v", err)
	}
	if leased == nil {
		t.Fatal("no lease for queued job")
	}
	if leased.AgentID != agent.AgentID() || leased.Kind != lease.KindJob {
		t.Errorf("lease = %+v", leased)
	}
	task, err := leased.Task()
	if err != nil {
		t.Fatalf("decoding task: %v", err)
	}
	if job := task.(lease.JobTask); job.JobID != jobID {
		t.Errorf("task job = %s, want %s", job.JobID, jobID)
	}

	if err := agent.ReportLeaseResult(ctx, leased.ID, lease.OutcomeSuccess, nil); err != nil {
		t.Fatalf("ReportLeaseResult: %v", err)
	}
	job, err := f.jobs.Job(jobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.State != lease.JobSucceeded {
		t.Errorf("job state = %s, want succeeded", job.State)
	}

	// A second report for the same lease is refused without error.
	if err := agent.ReportLeaseResult(ctx, leased.ID, lease.OutcomeFailure, nil); err != nil {
		t.Errorf("repeat report: %v", err)
	}
	stored, err := f.registry.Lease(ctx, leased.ID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if stored.Outcome != lease.OutcomeSuccess {
		t.Errorf("outcome = %v, want success", stored.Outcome)
	}
}

func TestWaitLeaseTimesOut(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.register(t, "builder-1", "linux")

	leased, err := agent.WaitForLease(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForLease: %v", err)
	}
	if leased != nil {
		t.Errorf("lease %s with no work queued", leased.ID)
	}
}

func TestInvalidSessionRejected(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.register(t, "builder-1", "linux")
	forged := &AgentClient{Client: f.client, credentials: Credentials{AgentID: agent.AgentID(), Token: "session-forged"}}

	_, err := forged.Heartbeat(context.Background(), nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if !strings.Contains(serviceErr.Message, "invalid session") {
		t.Errorf("message = %q", serviceErr.Message)
	}
}

func TestReportOnForeignLeaseRejected(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	owner := f.register(t, "builder-1", "linux")
	other := f.register(t, "builder-2", "linux")

	f.addJob(t, "linux")
	leased, err := owner.WaitForLease(ctx, 2*time.Second)
	if err != nil || leased == nil {
		t.Fatalf("WaitForLease = %v, %v", leased, err)
	}
	err = other.ReportLeaseResult(ctx, leased.ID, lease.OutcomeFailure, nil)
	if err == nil || !strings.Contains(err.Error(), ErrLeaseNotOwned.Error()) {
		t.Errorf("err = %v, want ownership failure", err)
	}
}

func TestReRegisterAbortsPreviousLeases(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	agent := f.register(t, "builder-1", "linux")

	f.addJob(t, "linux")
	leased, err := agent.WaitForLease(ctx, 2*time.Second)
	if err != nil || leased == nil {
		t.Fatalf("WaitForLease = %v, %v", leased, err)
	}

	if _, err := Register(ctx, f.client, lease.Registration{AgentID: agent.AgentID(), Name: "builder-1", Pool: "linux"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	stored, err := f.registry.Lease(ctx, leased.ID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if stored.Outcome != lease.OutcomeAborted {
		t.Errorf("outcome = %v, want aborted", stored.Outcome)
	}
	// The old session token no longer works.
	if _, err := agent.Heartbeat(ctx, nil); err == nil {
		t.Error("stale session accepted")
	}
}

func TestLogStreamOverSocket(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	agent := f.register(t, "builder-1", "linux")

	writer := logbuilder.NewWriter(ctx, agent, "log-1", logbuilder.LogTypeText)
	if _, err := writer.Write([]byte("compiling\nlinking\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	chunk, err := f.logs.GetChunk(ctx, "log-1", 0, 0)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	data, ok := chunk.Get()
	if !ok {
		t.Fatal("chunk missing")
	}
	if string(data.Bytes()) != "compiling\nlinking\n" {
		t.Errorf("log = %q", data.Bytes())
	}
}

func TestBlobsOverSocket(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	child, err := f.client.WriteBlob(ctx, []byte("child"), nil)
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	parent, err := f.client.WriteBlob(ctx, []byte("parent"), []blob.Hash{child})
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if parent != blob.HashData([]byte("parent")) {
		t.Errorf("hash = %s, want content hash", parent)
	}

	found, ok, err := f.client.TryReadBlob(ctx, parent)
	if err != nil || !ok {
		t.Fatalf("TryReadBlob = %v, %v", ok, err)
	}
	if string(found.Data) != "parent" || len(found.References) != 1 || found.References[0] != child {
		t.Errorf("blob = %q refs %v", found.Data, found.References)
	}

	missing := blob.HashData([]byte("absent"))
	if _, ok, err := f.client.TryReadBlob(ctx, missing); err != nil || ok {
		t.Errorf("TryReadBlob(missing) = %v, %v", ok, err)
	}
	if has, err := f.client.HasBlob(ctx, child); err != nil || !has {
		t.Errorf("HasBlob(child) = %v, %v", has, err)
	}
}

func TestComputeOverSocket(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	requirements, err := compute.WriteRequirements(ctx, f.client, compute.Requirements{Pool: "linux"})
	if err != nil {
		t.Fatalf("WriteRequirements: %v", err)
	}
	taskHash, err := compute.WriteTaskDefinition(ctx, f.client, compute.ComputeTaskDefinition{Executable: "/bin/true"})
	if err != nil {
		t.Fatalf("WriteTaskDefinition: %v", err)
	}
	if err := f.client.AddTasks(ctx, "ns", requirements, []blob.Hash{taskHash}, "channel-1"); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	updates, err := f.client.GetTaskUpdates(ctx, "channel-1", time.Second)
	if err != nil {
		t.Fatalf("GetTaskUpdates: %v", err)
	}
	if len(updates) != 1 || updates[0].State != compute.StateQueued || updates[0].TaskHash != taskHash {
		t.Fatalf("updates = %+v", updates)
	}

	agent := f.register(t, "builder-1", "linux")
	leased, err := agent.WaitForLease(ctx, 2*time.Second)
	if err != nil || leased == nil {
		t.Fatalf("WaitForLease = %v, %v", leased, err)
	}

	result, err := compute.WriteTaskResult(ctx, f.client, compute.ComputeTaskResult{})
	if err != nil {
		t.Fatalf("WriteTaskResult: %v", err)
	}
	payload, err := codec.Marshal(compute.ResultReport{ResultHash: result})
	if err != nil {
		t.Fatal(err)
	}
	if err := agent.ReportLeaseResult(ctx, leased.ID, lease.OutcomeSuccess, payload); err != nil {
		t.Fatalf("ReportLeaseResult: %v", err)
	}

	updates, err = f.client.GetTaskUpdates(ctx, "channel-1", time.Second)
	if err != nil {
		t.Fatalf("GetTaskUpdates: %v", err)
	}
	if len(updates) != 2 || updates[0].State != compute.StateExecuting || updates[1].State != compute.StateCompleted {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[1].ResultHash != result {
		t.Errorf("result hash = %s, want %s", updates[1].ResultHash, result)
	}
}

func TestGetTaskUpdatesTimesOutEmpty(t *testing.T) {
	f := newAPIFixture(t)
	updates, err := f.client.GetTaskUpdates(context.Background(), "channel-idle", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("GetTaskUpdates: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("updates = %+v, want none", updates)
	}
}

func TestUndeliveredLeaseAborted(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	agent := f.register(t, "builder-1", "linux")
	f.addJob(t, "linux")

	raw, err := codec.Marshal(map[string]any{
		"action":   ActionWaitLease,
		"agent_id": agent.credentials.AgentID,
		"token":    agent.credentials.Token,
		"timeout":  2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.api.waitLease(ctx, raw)
	if err != nil {
		t.Fatalf("waitLease: %v", err)
	}
	response := result.(*WaitLeaseResponse)
	if response.Lease == nil {
		t.Fatal("no lease")
	}
	response.Undelivered(ctx)

	stored, err := f.registry.Lease(ctx, response.Lease.ID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if stored.Outcome != lease.OutcomeAborted {
		t.Errorf("outcome = %v, want aborted", stored.Outcome)
	}
}
