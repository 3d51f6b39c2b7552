// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
)

type printer struct {
	out  io.Writer
	json bool
}

// newPrinter prints JSON when forced or when stdout is not a terminal.
func newPrinter(out io.Writer, forceJSON bool) *printer {
	asJSON := forceJSON
	if file, ok := out.(*os.File); ok && !asJSON {
		asJSON = !term.IsTerminal(int(file.Fd()))
	}
	return &printer{out: out, json: asJSON}
}

// print writes value as JSON, or calls table when printing for a
// terminal.
func (p *printer) print(value any, table func(*tabwriter.Writer)) error {
	if p.json || table == nil {
		encoder := json.NewEncoder(p.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	}
	writer := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	table(writer)
	return writer.Flush()
}

func row(w io.Writer, columns ...any) {
	parts := make([]string, len(columns))
	for i, column := range columns {
		parts[i] = fmt.Sprint(column)
	}
	fmt.Fprintln(w, strings.Join(parts, "\t"))
}

// ago renders t relative to now for table output.
func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
