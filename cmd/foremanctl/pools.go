// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/foreman/lib/pool"
)

func newPoolsCommand(g *globals) *cobra.Command {
	command := &cobra.Command{
		Use:   "pools",
		Short: "List, create and configure agent pools",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pools []pool.Pool
			if err := g.admin().do(cmd.Context(), http.MethodGet, "/pools", nil, &pools); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(pools, func(w *tabwriter.Writer) {
				row(w, "ID", "NAME", "WORKSPACES", "MIN", "RESERVE", "AUTOSCALE", "VERSION")
				for _, p := range pools {
					row(w, p.ID, p.Name, len(p.Workspaces), p.MinAgents, p.NumReserveAgents, p.EnableAutoscaling, p.Version)
				}
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <pool-id>",
		Short: "Show one pool with its workspaces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var found pool.Pool
			if err := g.admin().do(cmd.Context(), http.MethodGet, "/pools/"+url.PathEscape(args[0]), nil, &found); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(found, func(w *tabwriter.Writer) {
				row(w, "IDENTIFIER", "STREAM", "VIEW", "INCREMENTAL")
				for _, workspace := range found.Workspaces {
					row(w, workspace.Identifier, workspace.Stream, len(workspace.View), workspace.Incremental)
				}
			})
		},
	}

	var created pool.Pool
	create := &cobra.Command{
		Use:   "create <pool-id>",
		Short: "Create a pool; workspaces come from stream configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			created.ID = args[0]
			var stored pool.Pool
			if err := g.admin().do(cmd.Context(), http.MethodPost, "/pools", created, &stored); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(stored, nil)
		},
	}
	create.Flags().StringVar(&created.Name, "name", "", "display name")
	create.Flags().IntVar(&created.MinAgents, "min-agents", 0, "minimum agents kept running")
	create.Flags().IntVar(&created.NumReserveAgents, "reserve", 0, "idle agents kept in reserve")
	create.Flags().BoolVar(&created.EnableAutoscaling, "autoscale", false, "enable autoscaling")
	create.Flags().DurationVar(&created.ConformInterval, "conform-interval", 0, "re-conform agents at least this often (0 = only on change)")
	create.Flags().DurationVar(&created.ShutdownIfDisabledGrace, "disabled-grace", 0, "shut down disabled agents after this long")

	set := &cobra.Command{
		Use:   "set <pool-id>",
		Short: "Update a pool's scaling configuration",
		Long:  "Update a pool's scaling configuration. Only the flags given are changed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := configUpdateFromFlags(cmd)
			if err != nil {
				return err
			}
			var updated pool.Pool
			if err := g.admin().do(cmd.Context(), http.MethodPatch, "/pools/"+url.PathEscape(args[0]), update, &updated); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(updated, nil)
		},
	}
	set.Flags().Int("min-agents", 0, "minimum agents kept running")
	set.Flags().Int("reserve", 0, "idle agents kept in reserve")
	set.Flags().Bool("autoscale", false, "enable autoscaling")
	set.Flags().Duration("conform-interval", 0, "re-conform agents at least this often")
	set.Flags().Duration("disabled-grace", 0, "shut down disabled agents after this long")

	command.AddCommand(list, get, create, set)
	return command
}

// configUpdateFromFlags sets only the fields whose flags were given.
func configUpdateFromFlags(cmd *cobra.Command) (pool.ConfigUpdate, error) {
	var update pool.ConfigUpdate
	flags := cmd.Flags()
	if flags.Changed("min-agents") {
		value, _ := flags.GetInt("min-agents")
		update.MinAgents = &value
	}
	if flags.Changed("reserve") {
		value, _ := flags.GetInt("reserve")
		update.NumReserveAgents = &value
	}
	if flags.Changed("autoscale") {
		value, _ := flags.GetBool("autoscale")
		update.EnableAutoscaling = &value
	}
	if flags.Changed("conform-interval") {
		value, _ := flags.GetDuration("conform-interval")
		update.ConformInterval = &value
	}
	if flags.Changed("disabled-grace") {
		value, _ := flags.GetDuration("disabled-grace")
		update.ShutdownIfDisabledGrace = &value
	}
	return update, update.Validate()
}
