// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// foreman-agent runs on a build machine. It registers with the
// foreman server over its unix socket, keeps the machine's workspaces
// conformed to its pool, runs build job steps with their output
// streamed to the server's log builder, and executes compute tasks
// against the server's blob store.
//
// The agent id is saved in the work dir so a restarted agent keeps its
// identity (and the server aborts the leases its previous run held).
package main
