// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/pool"
)

// Syncer brings one workspace directory up to date with its stream.
// The source-control client behind it is outside this repository.
type Syncer interface {
	Sync(ctx context.Context, workspace pool.AgentWorkspace, dir string) error
}

// ConformHandler syncs every workspace of the agent's pool under Root
// and removes workspace directories the pool no longer lists.
type ConformHandler struct {
	Syncer Syncer
	Root   string
	Logger *slog.Logger
}

func (h *ConformHandler) Execute(ctx context.Context, leased *lease.Lease, task lease.Task) (Result, error) {
	conform, ok := task.(lease.ConformTask)
	if !ok {
		return Result{}, fmt.Errorf("conform handler given %s task", task.Kind())
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(h.Root, 0o755); err != nil {
		return Result{}, err
	}

	keep := make(map[string]struct{}, len(conform.Workspaces))
	for _, workspace := range conform.Workspaces {
		if err := validWorkspaceDir(workspace.Identifier); err != nil {
			return Result{}, err
		}
		dir := filepath.Join(h.Root, workspace.Identifier)
		if err := h.Syncer.Sync(ctx, workspace, dir); err != nil {
			return Result{}, fmt.Errorf("syncing workspace %s: %w", workspace.Identifier, err)
		}
		keep[workspace.Identifier] = struct{}{}
		logger.Info("workspace synced",
			"lease_id", leased.ID,
			"workspace", workspace.Identifier,
			"stream", workspace.Stream,
		)
	}

	entries, err := os.ReadDir(h.Root)
	if err != nil {
		return Result{}, err
	}
	for _, entry := range entries {
		if _, ok := keep[entry.Name()]; ok || !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(h.Root, entry.Name())); err != nil {
			return Result{}, fmt.Errorf("removing stale workspace %s: %w", entry.Name(), err)
		}
		logger.Info("stale workspace removed", "lease_id", leased.ID, "workspace", entry.Name())
	}
	return Result{Outcome: lease.OutcomeSuccess}, nil
}

func validWorkspaceDir(identifier string) error {
	if identifier == "" || identifier == "." || identifier == ".." || strings.ContainsAny(identifier, `/\`) {
		return errors.New("invalid workspace identifier " + identifier)
	}
	return nil
}
