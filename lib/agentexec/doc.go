// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentexec is the agent side of the lease protocol: an
// [Executor] polls its server session for leases, runs each through
// the [Handler] registered for its task kind, and reports the result.
//
// Handlers for the three task kinds live here too. [ConformHandler]
// syncs workspaces, [JobHandler] runs build steps into a log, and
// [ComputeHandler] runs content-addressed compute tasks against the
// blob store.
package agentexec
