// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentexec

import (
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

	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/logbuilder"
)

// JobResult is the lease result payload of a job step.
type JobResult struct {
	ExitCode int    `cbor:"exit_code"`
	Detail   string `cbor:"detail,omitempty"`
}

// JobHandler runs build steps, streaming their combined output into
// the step's log.
type JobHandler struct {
	Logs    logbuilder.ChunkAppender
	WorkDir string
	Logger  *slog.Logger
}

func (h *JobHandler) Execute(ctx context.Context, leased *lease.Lease, task lease.Task) (Result, error) {
	job, ok := task.(lease.JobTask)
	if !ok {
		return Result{}, fmt.Errorf("job handler given %s task", task.Kind())
	}
	if len(job.Command) == 0 {
		return Result{}, errors.New("job step has no command")
	}

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	writer := logbuilder.NewWriter(context.WithoutCancel(ctx), h.Logs, job.LogID, logbuilder.LogTypeText)
	fmt.Fprintf(writer, "$ %s\n", strings.Join(job.Command, " "))

	command := exec.CommandContext(runCtx, job.Command[0], job.Command[1:]...)
	command.Dir = filepath.Join(h.WorkDir, job.WorkingDir)
	command.Env = os.Environ()
	for _, key := range slices.Sorted(maps.Keys(job.Env)) {
		command.Env = append(command.Env, key+"="+job.Env[key])
	}
	command.Stdout = writer
	command.Stderr = writer
	killProcessGroup(command)

	runErr := command.Run()
	var exitErr *exec.ExitError
	result := JobResult{}
	switch {
	case runErr == nil:
	case runCtx.Err() != nil && ctx.Err() == nil:
		result.ExitCode = -1
		result.Detail = fmt.Sprintf("step timed out after %s", job.Timeout)
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		writer.Close()
		return Result{}, fmt.Errorf("running %s: %w", job.Command[0], runErr)
	}
	if result.Detail != "" {
		fmt.Fprintf(writer, "%s\n", result.Detail)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("flushing step log: %w", err)
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	payload, err := codec.Marshal(result)
	if err != nil {
		return Result{}, err
	}
	outcome := lease.OutcomeSuccess
	if result.ExitCode != 0 {
		outcome = lease.OutcomeFailure
	}
	if h.Logger != nil {
		h.Logger.Info("job step finished",
			"lease_id", leased.ID,
			"job_id", job.JobID,
			"step", job.Step,
			"exit_code", result.ExitCode,
		)
	}
	return Result{Outcome: outcome, Payload: payload}, nil
}
