// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/compute"
)

func newBlobCommand(g *globals) *cobra.Command {
	command := &cobra.Command{
		Use:   "blob",
		Short: "Store and fetch content-addressed blobs",
	}

	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file and print its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			hash, err := g.socket().WriteBlob(cmd.Context(), data, nil)
			if err != nil {
				return err
			}
			return printHash(cmd, g, hash)
		},
	}

	var output string
	get := &cobra.Command{
		Use:   "get <hash>",
		Short: "Write a blob to stdout or --output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := blob.ParseHash(args[0])
			if err != nil {
				return err
			}
			found, ok, err := g.socket().TryReadBlob(cmd.Context(), hash)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("blob %s not found", hash)
			}
			if output != "" {
				return os.WriteFile(output, found.Data, 0644)
			}
			_, err = cmd.OutOrStdout().Write(found.Data)
			return err
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "", "file to write instead of stdout")

	putDir := &cobra.Command{
		Use:   "put-dir <dir>",
		Short: "Store a directory tree and print its root hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := compute.UploadDirectory(cmd.Context(), g.socket(), args[0])
			if err != nil {
				return err
			}
			return printHash(cmd, g, hash)
		},
	}

	getDir := &cobra.Command{
		Use:   "get-dir <hash> <dest>",
		Short: "Materialize a stored directory tree under dest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := blob.ParseHash(args[0])
			if err != nil {
				return err
			}
			return compute.MaterializeDirectory(cmd.Context(), g.socket(), hash, args[1])
		},
	}

	command.AddCommand(put, get, putDir, getDir)
	return command
}

func printHash(cmd *cobra.Command, g *globals, hash blob.Hash) error {
	return newPrinter(cmd.OutOrStdout(), g.jsonOutput).print(map[string]string{"hash": hash.String()}, func(w *tabwriter.Writer) {
		row(w, hash)
	})
}
