// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/compute"
	"github.com/bureau-foundation/foreman/lib/lease"
)

// ComputeHandler runs compute tasks: it materializes the sandbox tree,
// runs the executable inside it, then uploads the declared outputs and
// the captured output as a ComputeTaskResult.
type ComputeHandler struct {
	Blobs   compute.BlobStore
	WorkDir string
	Logger  *slog.Logger
}

func (h *ComputeHandler) Execute(ctx context.Context, leased *lease.Lease, task lease.Task) (Result, error) {
	computeTask, ok := task.(lease.ComputeTask)
	if !ok {
		return Result{}, fmt.Errorf("compute handler given %s task", task.Kind())
	}
	definition, err := compute.ReadTaskDefinition(ctx, h.Blobs, computeTask.TaskHash)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(h.WorkDir, 0o755); err != nil {
		return Result{}, err
	}
	scratch, err := os.MkdirTemp(h.WorkDir, "compute-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(scratch)

	sandbox := filepath.Join(scratch, "sandbox")
	if definition.Sandbox.IsZero() {
		err = os.Mkdir(sandbox, 0o755)
	} else {
		err = compute.MaterializeDirectory(ctx, h.Blobs, definition.Sandbox, sandbox)
	}
	if err != nil {
		return Result{}, err
	}

	executable := definition.Executable
	if !filepath.IsAbs(executable) && strings.ContainsRune(executable, '/') {
		executable = filepath.Join(sandbox, executable)
	}
	var output bytes.Buffer
	command := exec.CommandContext(ctx, executable, definition.Arguments...)
	command.Dir = filepath.Join(sandbox, definition.WorkingDirectory)
	command.Env = os.Environ()
	for _, key := range slices.Sorted(maps.Keys(definition.EnvVars)) {
		command.Env = append(command.Env, key+"="+definition.EnvVars[key])
	}
	command.Stdout = &output
	command.Stderr = &output
	killProcessGroup(command)

	exitCode := 0
	var exitErr *exec.ExitError
	if err := command.Run(); err != nil {
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return Result{}, fmt.Errorf("running %s: %w", definition.Executable, err)
		}
		exitCode = exitErr.ExitCode()
	}

	outputs, err := h.uploadOutputs(ctx, sandbox, filepath.Join(scratch, "outputs"), definition.OutputPaths)
	if err != nil {
		return Result{}, fmt.Errorf("uploading outputs: %w", err)
	}
	logHash, err := h.Blobs.WriteBlob(ctx, output.Bytes(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("uploading log: %w", err)
	}
	resultHash, err := compute.WriteTaskResult(ctx, h.Blobs, compute.ComputeTaskResult{
		ExitCode: exitCode,
		Outputs:  outputs,
		LogHash:  logHash,
	})
	if err != nil {
		return Result{}, err
	}
	payload, err := codec.Marshal(compute.ResultReport{ResultHash: resultHash})
	if err != nil {
		return Result{}, err
	}
	if h.Logger != nil {
		h.Logger.Info("compute task finished",
			"lease_id", leased.ID,
			"task_hash", computeTask.TaskHash.String(),
			"exit_code", exitCode,
			"result_hash", resultHash.String(),
		)
	}
	return Result{Outcome: lease.OutcomeSuccess, Payload: payload}, nil
}

// uploadOutputs moves each existing output path from sandbox into a
// staging tree with the same relative layout and uploads that tree.
// Paths the task did not produce are skipped.
func (h *ComputeHandler) uploadOutputs(ctx context.Context, sandbox, staging string, paths []string) (blob.Hash, error) {
	if err := os.Mkdir(staging, 0o755); err != nil {
		return blob.Hash{}, err
	}
	for _, path := range paths {
		clean := filepath.Clean(path)
		if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
			return blob.Hash{}, fmt.Errorf("output path %q escapes the sandbox", path)
		}
		source := filepath.Join(sandbox, clean)
		if _, err := os.Lstat(source); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return blob.Hash{}, err
		}
		target := filepath.Join(staging, clean)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return blob.Hash{}, err
		}
		if err := os.Rename(source, target); err != nil {
			return blob.Hash{}, err
		}
	}
	return compute.UploadDirectory(ctx, h.Blobs, staging)
}

// EncodeError reports a missing input blob in the structured form the
// dispatcher maps to BlobNotFound.
func (h *ComputeHandler) EncodeError(err error) []byte {
	report := compute.ResultReport{Detail: err.Error()}
	if missing, ok := compute.MissingHash(err); ok {
		report.MissingHash = missing
	}
	payload, marshalErr := codec.Marshal(report)
	if marshalErr != nil {
		return []byte(err.Error())
	}
	return payload
}
