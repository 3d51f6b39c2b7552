// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds foreman's single CBOR configuration.
//
// CBOR is the internal format: blob and ref records, log chunk
// indexes, lease payloads, and the agent socket protocol. JSON is used
// only at the edges (admin HTTP API, stream configuration files, CLI
// output).
//
// Struct tags follow one rule: a type that is only ever CBOR carries
// `cbor` tags; a type that is also rendered as JSON carries `json`
// tags, which fxamacker/cbor honours as a fallback. Never both on one
// field.
package codec
