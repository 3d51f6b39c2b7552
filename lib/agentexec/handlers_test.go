// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/compute"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/logbuilder"
	"github.com/bureau-foundation/foreman/lib/pool"
)

type recordingSyncer struct {
	synced []string
	fail   string
}

func (s *recordingSyncer) Sync(_ context.Context, workspace pool.AgentWorkspace, dir string) error {
	if workspace.Identifier == s.fail {
		return errors.New("depot unreachable")
	}
	s.synced = append(s.synced, workspace.Identifier)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "stream"), []byte(workspace.Stream), 0o644)
}

func conformLease(t *testing.T, workspaces ...pool.AgentWorkspace) (*lease.Lease, lease.Task) {
	t.Helper()
	task := lease.ConformTask{PoolID: "linux", PoolVersion: 2, Workspaces: workspaces}
	leased, err := lease.NewLease("lease-conform", "agent-1", "conform", task, epoch)
	if err != nil {
		t.Fatalf("NewLease: %v", err)
	}
	return leased, task
}

func TestConformHandlerSyncsAndRemovesStale(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "old-stream"), 0o755); err != nil {
		t.Fatal(err)
	}
	syncer := &recordingSyncer{}
	handler := &ConformHandler{Syncer: syncer, Root: root}

	leased, task := conformLease(t,
		pool.AgentWorkspace{Identifier: "main", Stream: "//depot/main"},
		pool.AgentWorkspace{Identifier: "release", Stream: "//depot/release"},
	)
	result, err := handler.Execute(context.Background(), leased, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != lease.OutcomeSuccess {
		t.Errorf("outcome = %v", result.Outcome)
	}
	if strings.Join(syncer.synced, ",") != "main,release" {
		t.Errorf("synced = %v", syncer.synced)
	}
	data, err := os.ReadFile(filepath.Join(root, "release", "stream"))
	if err != nil || string(data) != "//depot/release" {
		t.Errorf("release workspace = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "old-stream")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale workspace still present: %v", err)
	}
}

func TestConformHandlerSyncFailure(t *testing.T) {
	handler := &ConformHandler{Syncer: &recordingSyncer{fail: "main"}, Root: t.TempDir()}
	leased, task := conformLease(t, pool.AgentWorkspace{Identifier: "main", Stream: "//depot/main"})
	if _, err := handler.Execute(context.Background(), leased, task); err == nil || !strings.Contains(err.Error(), "depot unreachable") {
		t.Errorf("err = %v, want sync failure", err)
	}
}

func TestConformHandlerRejectsBadIdentifier(t *testing.T) {
	handler := &ConformHandler{Syncer: &recordingSyncer{}, Root: t.TempDir()}
	leased, task := conformLease(t, pool.AgentWorkspace{Identifier: "../escape"})
	if _, err := handler.Execute(context.Background(), leased, task); err == nil {
		t.Error("expected error for path identifier")
	}
}

func runJob(t *testing.T, task lease.JobTask) (Result, *logbuilder.MemoryBuilder, error) {
	t.Helper()
	logs := logbuilder.NewMemoryBuilder(clock.Fake(epoch), nil)
	handler := &JobHandler{Logs: logs, WorkDir: t.TempDir()}
	task.JobID = "job-1"
	task.LogID = "log-1"
	leased, err := lease.NewLease("lease-job", "agent-1", "job", task, epoch)
	if err != nil {
		t.Fatalf("NewLease: %v", err)
	}
	result, err := handler.Execute(context.Background(), leased, task)
	return result, logs, err
}

func jobResult(t *testing.T, result Result) JobResult {
	t.Helper()
	var decoded JobResult
	if err := codec.Unmarshal(result.Payload, &decoded); err != nil {
		t.Fatalf("decoding job result: %v", err)
	}
	return decoded
}

func TestJobHandlerStreamsOutput(t *testing.T) {
	result, logs, err := runJob(t, lease.JobTask{
		Command: []string{"/bin/sh", "-c", `echo hello; echo "$GREETING" >&2`},
		Env:     map[string]string{"GREETING": "world"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != lease.OutcomeSuccess || jobResult(t, result).ExitCode != 0 {
		t.Errorf("result = %v %+v", result.Outcome, jobResult(t, result))
	}

	chunk, err := logs.GetChunk(context.Background(), "log-1", 0, 0)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	data, ok := chunk.Get()
	if !ok {
		t.Fatal("log chunk missing")
	}
	got := string(data.Bytes())
	if !strings.HasPrefix(got, "$ /bin/sh -c") || !strings.HasSuffix(got, "hello\nworld\n") {
		t.Errorf("log = %q", got)
	}
}

func TestJobHandlerNonZeroExitIsFailure(t *testing.T) {
	result, _, err := runJob(t, lease.JobTask{Command: []string{"/bin/sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != lease.OutcomeFailure {
		t.Errorf("outcome = %v, want failure", result.Outcome)
	}
	if code := jobResult(t, result).ExitCode; code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestJobHandlerTimeout(t *testing.T) {
	result, _, err := runJob(t, lease.JobTask{
		Command: []string{"sleep", "10"},
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	decoded := jobResult(t, result)
	if result.Outcome != lease.OutcomeFailure || !strings.Contains(decoded.Detail, "timed out") {
		t.Errorf("result = %v %+v", result.Outcome, decoded)
	}
}

func TestJobHandlerTimeoutKillsChildren(t *testing.T) {
	start := time.Now()
	result, _, err := runJob(t, lease.JobTask{
		// The backgrounded sleep holds the output pipe; only a
		// process group kill releases it before waitDelay.
		Command: []string{"/bin/sh", "-c", "sleep 30 & wait"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != lease.OutcomeFailure {
		t.Errorf("outcome = %v, want failure", result.Outcome)
	}
	if elapsed := time.Since(start); elapsed >= waitDelay {
		t.Errorf("step took %v to stop; children were not killed", elapsed)
	}
}

func TestJobHandlerMissingCommand(t *testing.T) {
	if _, _, err := runJob(t, lease.JobTask{Command: []string{"/nonexistent/tool"}}); err == nil {
		t.Error("expected error for missing executable")
	}
}

func newBlobStore(t *testing.T) *blob.Store {
	t.Helper()
	store, err := blob.NewStore(blob.Config{Backend: blob.NewMemoryBackend(clock.Fake(epoch))})
	if err != nil {
		t.Fatalf("blob.NewStore: %v", err)
	}
	return store
}

func computeLease(t *testing.T, taskHash blob.Hash) (*lease.Lease, lease.Task) {
	t.Helper()
	task := lease.ComputeTask{Namespace: "ns", TaskHash: taskHash, ChannelID: "channel-1"}
	leased, err := lease.NewLease("lease-compute", "agent-1", "compute", task, epoch)
	if err != nil {
		t.Fatalf("NewLease: %v", err)
	}
	return leased, task
}

func TestComputeHandlerRunsTask(t *testing.T) {
	ctx := context.Background()
	store := newBlobStore(t)

	source := t.TempDir()
	script := "#!/bin/sh\nmkdir -p out\necho built > out/result.txt\necho done\n"
	if err := os.WriteFile(filepath.Join(source, "run.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	sandbox, err := compute.UploadDirectory(ctx, store, source)
	if err != nil {
		t.Fatalf("UploadDirectory: %v", err)
	}
	taskHash, err := compute.WriteTaskDefinition(ctx, store, compute.ComputeTaskDefinition{
		Executable:  "./run.sh",
		Sandbox:     sandbox,
		OutputPaths: []string{"out", "never-created"},
	})
	if err != nil {
		t.Fatalf("WriteTaskDefinition: %v", err)
	}

	handler := &ComputeHandler{Blobs: store, WorkDir: t.TempDir()}
	leased, task := computeLease(t, taskHash)
	result, err := handler.Execute(ctx, leased, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != lease.OutcomeSuccess {
		t.Fatalf("outcome = %v", result.Outcome)
	}

	var report compute.ResultReport
	if err := codec.Unmarshal(result.Payload, &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	taskResult, err := compute.ReadTaskResult(ctx, store, report.ResultHash)
	if err != nil {
		t.Fatalf("ReadTaskResult: %v", err)
	}
	if taskResult.ExitCode != 0 {
		t.Errorf("exit code = %d", taskResult.ExitCode)
	}
	logBlob, ok, err := store.TryReadBlob(ctx, taskResult.LogHash)
	if err != nil || !ok || string(logBlob.Data) != "done\n" {
		t.Errorf("log = %q, %v, %v", logBlob.Data, ok, err)
	}

	outputs := t.TempDir()
	if err := compute.MaterializeDirectory(ctx, store, taskResult.Outputs, outputs); err != nil {
		t.Fatalf("MaterializeDirectory: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(outputs, "out", "result.txt"))
	if err != nil || string(data) != "built\n" {
		t.Errorf("output = %q, %v", data, err)
	}
}

func TestComputeHandlerMissingBlob(t *testing.T) {
	store := newBlobStore(t)
	handler := &ComputeHandler{Blobs: store, WorkDir: t.TempDir()}
	missing := blob.HashData([]byte("never written"))
	leased, task := computeLease(t, missing)

	_, err := handler.Execute(context.Background(), leased, task)
	if err == nil {
		t.Fatal("expected error for missing task blob")
	}
	var report compute.ResultReport
	if err := codec.Unmarshal(handler.EncodeError(err), &report); err != nil {
		t.Fatalf("decoding encoded error: %v", err)
	}
	if report.MissingHash != missing {
		t.Errorf("missing hash = %s, want %s", report.MissingHash, missing)
	}
}

func TestComputeHandlerRejectsEscapingOutput(t *testing.T) {
	ctx := context.Background()
	store := newBlobStore(t)
	taskHash, err := compute.WriteTaskDefinition(ctx, store, compute.ComputeTaskDefinition{
		Executable:  "/bin/true",
		OutputPaths: []string{"../outside"},
	})
	if err != nil {
		t.Fatalf("WriteTaskDefinition: %v", err)
	}
	handler := &ComputeHandler{Blobs: store, WorkDir: t.TempDir()}
	leased, task := computeLease(t, taskHash)
	if _, err := handler.Execute(ctx, leased, task); err == nil {
		t.Error("expected error for output path outside the sandbox")
	}
}
