// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adminapi is the foreman server's HTTP JSON admin surface:
// pool configuration, agent enable/disable and shutdown requests, build
// jobs, and log chunk reads for the log viewer. Routing uses
// gorilla/mux and cross-origin access for the viewer uses rs/cors.
package adminapi
