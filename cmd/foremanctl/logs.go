// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/foreman/lib/adminapi"
)

const followInterval = time.Second

func newLogsCommand(g *globals) *cobra.Command {
	var follow bool
	command := &cobra.Command{
		Use:   "logs <log-id>",
		Short: "Print a build log",
		Long: `Print a build log chunk by chunk. Log ids are listed by "jobs get".

With --follow, keeps polling for new output until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := printLog(cmd.Context(), g.admin(), args[0], cmd.OutOrStdout(), follow)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	command.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new output")
	return command
}

// printLog writes the log from its first chunk. Within an open chunk
// only the bytes not yet printed are written; a complete chunk moves
// on to the next one.
func printLog(ctx context.Context, client *adminClient, logID string, out io.Writer, follow bool) error {
	var offset, printed int64
	for {
		var chunk adminapi.LogChunk
		path := fmt.Sprintf("/logs/%s/chunks/%d", url.PathEscape(logID), offset)
		err := client.do(ctx, http.MethodGet, path, nil, &chunk)

		var adminErr *adminError
		switch {
		case errors.As(err, &adminErr) && adminErr.Status == http.StatusNotFound:
			if !follow {
				if offset == 0 {
					return fmt.Errorf("log %s not found", logID)
				}
				return nil
			}
		case err != nil:
			return err
		default:
			if data := int64(len(chunk.Data)); data > printed {
				if _, err := io.WriteString(out, chunk.Data[printed:]); err != nil {
					return err
				}
				printed = data
			}
			if chunk.Complete && chunk.NextOffset > offset {
				offset = chunk.NextOffset
				printed = 0
				continue
			}
			if !follow {
				return nil
			}
		}

		select {
		case <-time.After(followInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
