// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bureau-foundation/foreman/lib/pool"
)

// CommandSyncer syncs a workspace by running an external command with
// the workspace described in its environment:
//
//	FOREMAN_WORKSPACE     workspace identifier
//	FOREMAN_WORKSPACE_DIR directory to sync into (already created)
//	FOREMAN_STREAM        stream the workspace follows
//	FOREMAN_VIEW          view mappings, one per line
//	FOREMAN_INCREMENTAL   "true" when an incremental sync is allowed
//
// An empty Command only creates the directory, which is enough for
// agents whose jobs fetch their own sources.
type CommandSyncer struct {
	Command []string
}

func (s CommandSyncer) Sync(ctx context.Context, workspace pool.AgentWorkspace, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if len(s.Command) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"FOREMAN_WORKSPACE="+workspace.Identifier,
		"FOREMAN_WORKSPACE_DIR="+dir,
		"FOREMAN_STREAM="+workspace.Stream,
		"FOREMAN_VIEW="+strings.Join(workspace.View, "\n"),
		"FOREMAN_INCREMENTAL="+strconv.FormatBool(workspace.Incremental),
	)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	killProcessGroup(cmd)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", s.Command[0], err, strings.TrimSpace(output.String()))
	}
	return nil
}
