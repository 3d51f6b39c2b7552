// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/compute"
	"github.com/bureau-foundation/foreman/lib/ids"
	"github.com/bureau-foundation/foreman/lib/service"
)

const updateWait = 30 * time.Second

func newComputeCommand(g *globals) *cobra.Command {
	command := &cobra.Command{
		Use:   "compute",
		Short: "Queue and watch compute tasks",
	}

	var (
		namespace    string
		channelID    string
		requirements string
	)
	add := &cobra.Command{
		Use:   "add <task-hash>...",
		Short: "Queue stored task definitions",
		Long: `Queue task definitions already stored with "blob put". Updates are
delivered on --channel; a new channel id is printed when none is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requirementsHash, err := blob.ParseHash(requirements)
			if err != nil {
				return fmt.Errorf("--requirements: %w", err)
			}
			taskHashes := make([]blob.Hash, len(args))
			for i, arg := range args {
				if taskHashes[i], err = blob.ParseHash(arg); err != nil {
					return err
				}
			}
			if channelID == "" {
				channelID = ids.New(ids.Channel)
			}
			if err := g.socket().AddTasks(cmd.Context(), namespace, requirementsHash, taskHashes, channelID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), channelID)
			return nil
		},
	}
	add.Flags().StringVar(&namespace, "namespace", "default", "task namespace")
	add.Flags().StringVar(&channelID, "channel", "", "channel to deliver updates on")
	add.Flags().StringVar(&requirements, "requirements", "", "hash of the requirements blob (required)")
	_ = add.MarkFlagRequired("requirements")

	var expect int
	watch := &cobra.Command{
		Use:   "watch <channel-id>",
		Short: "Print task updates as they arrive",
		Long:  "Print task updates as they arrive, until interrupted or until --tasks tasks have finished.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := watchChannel(cmd, g, args[0], expect)
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	watch.Flags().IntVar(&expect, "tasks", 0, "exit after this many tasks finish (0 = never)")

	run := newComputeRunCommand(g)
	command.AddCommand(add, watch, run)
	return command
}

// watchChannel prints updates until expect tasks reach a terminal state
// (forever when expect is zero) and returns the terminal updates.
func watchChannel(cmd *cobra.Command, g *globals, channelID string, expect int) ([]compute.TaskStatus, error) {
	client := g.socket()
	var finished []compute.TaskStatus
	for expect == 0 || len(finished) < expect {
		updates, err := client.GetTaskUpdates(cmd.Context(), channelID, updateWait)
		if err != nil {
			return finished, err
		}
		for _, update := range updates {
			printUpdate(cmd, g, update)
			if update.State.Terminal() {
				finished = append(finished, update)
			}
		}
	}
	return finished, nil
}

func printUpdate(cmd *cobra.Command, g *globals, update compute.TaskStatus) {
	out := cmd.OutOrStdout()
	if g.jsonOutput {
		_ = newPrinter(out, true).print(update, nil)
		return
	}
	fields := []string{update.Time.Format(time.TimeOnly), update.TaskHash.String()[:12], update.State.String()}
	if update.AgentID != "" {
		fields = append(fields, "agent="+update.AgentID)
	}
	if !update.ResultHash.IsZero() {
		fields = append(fields, "result="+update.ResultHash.String())
	}
	if !update.MissingHash.IsZero() {
		fields = append(fields, "missing="+update.MissingHash.String())
	}
	if update.Detail != "" {
		fields = append(fields, "detail="+update.Detail)
	}
	fmt.Fprintln(out, strings.Join(fields, "  "))
}

func newComputeRunCommand(g *globals) *cobra.Command {
	var (
		requirements compute.Requirements
		sandboxDir   string
		workingDir   string
		outputs      []string
		env          map[string]string
		fetchDir     string
	)
	command := &cobra.Command{
		Use:   "run [flags] -- <executable> [args...]",
		Short: "Upload a sandbox, run one task in it and wait for the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := g.socket()

			definition := compute.ComputeTaskDefinition{
				Executable:       args[0],
				Arguments:        args[1:],
				EnvVars:          env,
				WorkingDirectory: workingDir,
				OutputPaths:      outputs,
			}
			if sandboxDir != "" {
				sandbox, err := compute.UploadDirectory(ctx, client, sandboxDir)
				if err != nil {
					return fmt.Errorf("uploading sandbox: %w", err)
				}
				definition.Sandbox = sandbox
			}
			taskHash, err := compute.WriteTaskDefinition(ctx, client, definition)
			if err != nil {
				return err
			}
			requirementsHash, err := compute.WriteRequirements(ctx, client, requirements)
			if err != nil {
				return err
			}

			channelID := ids.New(ids.Channel)
			if err := client.AddTasks(ctx, "default", requirementsHash, []blob.Hash{taskHash}, channelID); err != nil {
				return err
			}
			finished, err := watchChannel(cmd, g, channelID, 1)
			if err != nil {
				return err
			}
			return reportRun(ctx, cmd, client, finished[0], fetchDir)
		},
	}
	flags := command.Flags()
	flags.StringVar(&requirements.Pool, "pool", "", "run only on agents of this pool")
	flags.StringSliceVar(&requirements.Properties, "property", nil, "required agent property (repeatable)")
	flags.StringVar(&sandboxDir, "sandbox", "", "directory uploaded as the task's sandbox")
	flags.StringVar(&workingDir, "workdir", "", "working directory inside the sandbox")
	flags.StringSliceVar(&outputs, "output", nil, "sandbox path uploaded after the run (repeatable)")
	flags.StringToStringVar(&env, "env", nil, "environment variable KEY=VALUE (repeatable)")
	flags.StringVar(&fetchDir, "fetch", "", "materialize the task outputs here")
	return command
}

func reportRun(ctx context.Context, cmd *cobra.Command, client *service.Client, status compute.TaskStatus, fetchDir string) error {
	switch status.State {
	case compute.StateCompleted:
	case compute.StateBlobNotFound:
		return fmt.Errorf("task input blob %s is missing", status.MissingHash)
	default:
		return fmt.Errorf("task ended %s: %s", status.State, status.Detail)
	}

	result, err := compute.ReadTaskResult(ctx, client, status.ResultHash)
	if err != nil {
		return err
	}
	if !result.LogHash.IsZero() {
		log, ok, err := client.TryReadBlob(ctx, result.LogHash)
		if err != nil {
			return err
		}
		if ok {
			_, _ = cmd.ErrOrStderr().Write(log.Data)
		}
	}
	if fetchDir != "" && !result.Outputs.IsZero() {
		if err := compute.MaterializeDirectory(ctx, client, result.Outputs, fetchDir); err != nil {
			return fmt.Errorf("fetching outputs: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exit code %d, outputs %s\n", result.ExitCode, result.Outputs)
	if result.ExitCode != 0 {
		return fmt.Errorf("task exited with code %d", result.ExitCode)
	}
	return nil
}
