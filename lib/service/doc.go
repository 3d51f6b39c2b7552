// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the foreman server's transport: a CBOR
// request-response protocol on a Unix socket, one request per
// connection, routed by the request's "action" field.
//
// [RegisterAPI] installs the actions agents and compute clients use.
// Agents register once and present the returned session token on
// every later call; blob and compute actions are open to anyone who
// can reach the socket, which is guarded by filesystem permissions.
// [AgentClient] is the agent's side, and [HTTPServer] hosts the admin
// API next to the socket.
package service
