// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/foreman/lib/lease"
)

func newJobsCommand(g *globals) *cobra.Command {
	command := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and track build jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var jobs []lease.Job
			if err := g.admin().do(cmd.Context(), http.MethodGet, "/jobs", nil, &jobs); err != nil {
				return err
			}
			now := time.Now()
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(jobs, func(w *tabwriter.Writer) {
				row(w, "ID", "NAME", "POOL", "PRIORITY", "STATE", "STEPS", "CREATED")
				for _, job := range jobs {
					row(w, job.ID, job.Name, job.Pool, job.Priority, job.State, len(job.Steps), ago(job.Created, now))
				}
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job's steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job lease.Job
			if err := g.admin().do(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(job, func(w *tabwriter.Writer) {
				row(w, "STEP", "STATE", "ATTEMPTS", "AGENT", "LOG")
				for _, step := range job.Steps {
					row(w, step.Name, step.State, step.Attempts, orDash(step.AgentID), orDash(step.LogID))
				}
			})
		},
	}

	var specPath string
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job described by a JSON file",
		Long: `Submit a job described by a JSON file ("-" reads stdin):

  {
    "name": "nightly",
    "pool": "linux",
    "priority": 10,
    "requirements": ["arch=amd64"],
    "steps": [
      {"name": "build", "command": ["make", "-j8"], "working_dir": "main", "timeout": 3600000000000}
    ]
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := readJobSpec(specPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			var job lease.Job
			if err := g.admin().do(cmd.Context(), http.MethodPost, "/jobs", spec, &job); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(job, func(w *tabwriter.Writer) {
				row(w, "JOB", "STATE", "STEPS")
				row(w, job.ID, job.State, len(job.Steps))
			})
		},
	}
	submit.Flags().StringVarP(&specPath, "file", "f", "", "job spec file (required)")
	_ = submit.MarkFlagRequired("file")

	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job's remaining steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job lease.Job
			if err := g.admin().do(cmd.Context(), http.MethodDelete, "/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(job, nil)
		},
	}

	command.AddCommand(list, get, submit, cancel)
	return command
}

func readJobSpec(path string, stdin io.Reader) (lease.JobSpec, error) {
	var spec lease.JobSpec
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return spec, err
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parsing job spec: %w", err)
	}
	return spec, nil
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
