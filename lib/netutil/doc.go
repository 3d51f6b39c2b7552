// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small I/O helpers shared by foreman's clients
// and servers: bounded reads of HTTP API responses, and classification
// of the errors a peer produces by hanging up.
package netutil
