// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// foreman-server is the build farm control plane. It serves the agent
// session protocol and the compute client API on a unix socket, the
// admin API over HTTP, and runs the pool reconciler, the heartbeat
// monitor, the log flusher, the job scheduler and blob garbage
// collection.
//
// Configuration is a YAML file named by --config or FOREMAN_CONFIG;
// see package config.
package main
