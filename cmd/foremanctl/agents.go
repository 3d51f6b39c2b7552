// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/foreman/lib/adminapi"
	"github.com/bureau-foundation/foreman/lib/lease"
)

func newAgentsCommand(g *globals) *cobra.Command {
	command := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and control build agents",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var agents []lease.Agent
			if err := g.admin().do(cmd.Context(), http.MethodGet, "/agents", nil, &agents); err != nil {
				return err
			}
			now := time.Now()
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(agents, func(w *tabwriter.Writer) {
				row(w, "ID", "NAME", "POOL", "ENABLED", "SHUTDOWN", "HEARTBEAT")
				for _, agent := range agents {
					row(w, agent.ID, agent.Name, agent.Pool, agent.Enabled, agent.RequestShutdown, ago(agent.LastHeartbeat, now))
				}
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show an agent and the leases it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail adminapi.AgentDetail
			if err := g.admin().do(cmd.Context(), http.MethodGet, "/agents/"+url.PathEscape(args[0]), nil, &detail); err != nil {
				return err
			}
			now := time.Now()
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(detail, func(w *tabwriter.Writer) {
				row(w, "LEASE", "SOURCE", "KIND", "STARTED")
				for _, held := range detail.Leases {
					row(w, held.ID, held.Source, held.Kind, ago(held.StartTime, now))
				}
			})
		},
	}

	command.AddCommand(list, get,
		agentAction(g, "enable", "Let the agent take leases again"),
		agentAction(g, "disable", "Stop offering leases to the agent"),
		agentAction(g, "shutdown", "Ask the agent to exit at its next heartbeat"),
		agentAction(g, "conform", "Queue a workspace conform for the agent"),
	)
	return command
}

func agentAction(g *globals, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result any
			path := "/agents/" + url.PathEscape(args[0]) + "/" + action
			if err := g.admin().do(cmd.Context(), http.MethodPost, path, nil, &result); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(result, nil)
		},
	}
}
