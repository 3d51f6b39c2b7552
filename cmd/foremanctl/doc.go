// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// foremanctl administers a foreman server. Pool, agent, job and log
// commands use the HTTP admin API (--admin); blob and compute commands
// talk to the server socket (--socket).
//
// Output is a table on a terminal and JSON otherwise, so the same
// command works interactively and in scripts. --json forces JSON.
package main
