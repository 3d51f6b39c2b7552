// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"os"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/foreman/lib/service"
	"github.com/bureau-foundation/foreman/lib/version"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	adminURL   string
	socketPath string
	jsonOutput bool
}

func (g *globals) admin() *adminClient { return newAdminClient(g.adminURL) }

func (g *globals) socket() *service.Client { return service.NewClient(g.socketPath) }

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "foremanctl",
		Short: "Administer a foreman build farm",
		Long: `foremanctl administers a foreman build farm server.

Pool, agent, job and log commands use the HTTP admin API. Blob and
compute commands use the server's unix socket and must run on the
server host.`,
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.adminURL, "admin", cmp.Or(os.Getenv("FOREMAN_ADMIN_URL"), "http://localhost:8080"),
		"admin API base URL (env FOREMAN_ADMIN_URL)")
	flags.StringVar(&g.socketPath, "socket", cmp.Or(os.Getenv("FOREMAN_SOCKET"), "/run/foreman/server.sock"),
		"server socket path (env FOREMAN_SOCKET)")
	flags.BoolVar(&g.jsonOutput, "json", false, "print JSON even on a terminal")

	root.AddCommand(
		newPoolsCommand(g),
		newAgentsCommand(g),
		newJobsCommand(g),
		newLogsCommand(g),
		newBlobCommand(g),
		newComputeCommand(g),
	)
	return root
}
