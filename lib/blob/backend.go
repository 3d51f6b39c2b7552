// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"errors"
	"time"
)

// Backend is a byte-oriented key/value store. Keys are
// "<kind>/<name>" strings; the Store uses the kinds "blobs" and
// "refs". Implementations must be safe for concurrent use.
type Backend interface {
	// Read returns the value for key. A missing key is (nil, false, nil).
	Read(ctx context.Context, key string) ([]byte, bool, error)

	// Write replaces the value for key atomically: a concurrent Read
	// sees either the old value or the new one, never a mix.
	Write(ctx context.Context, key string, data []byte) error

	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Toucher is implemented by backends that track recency. Touch
// refreshes the key's timestamp; touching a missing key is a no-op.
type Toucher interface {
	Touch(ctx context.Context, key string) error
}

// Lister is implemented by backends that can enumerate keys. Garbage
// collection requires it.
type Lister interface {
	List(ctx context.Context, prefix string) ([]KeyInfo, error)
}

// KeyInfo describes one stored key.
type KeyInfo struct {
	Key     string
	Touched time.Time
}

// ErrListUnsupported is returned by wrappers whose inner backend has no
// Lister implementation.
var ErrListUnsupported = errors.New("blob: backend does not support listing")

const (
	blobPrefix = "blobs/"
	refPrefix  = "refs/"
)

func blobKey(hash Hash) string { return blobPrefix + hash.String() }

func refKey(name string) string { return refPrefix + name }
