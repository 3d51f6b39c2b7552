// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/lease"
)

// BlobStore is the part of blob.Store the compute path uses.
type BlobStore interface {
	WriteBlob(ctx context.Context, data []byte, references []blob.Hash) (blob.Hash, error)
	TryReadBlob(ctx context.Context, hash blob.Hash) (blob.Blob, bool, error)
	HasBlob(ctx context.Context, hash blob.Hash) (bool, error)
}

// BlobNotFoundError reports a referenced blob missing from the store.
type BlobNotFoundError struct {
	Hash blob.Hash
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("compute: blob %s not found", e.Hash)
}

// MissingHash returns the hash carried by a BlobNotFoundError in err's
// chain.
func MissingHash(err error) (blob.Hash, bool) {
	var notFound *BlobNotFoundError
	if errors.As(err, &notFound) {
		return notFound.Hash, true
	}
	return blob.Hash{}, false
}

// TaskState is the lifecycle of one compute task.
type TaskState uint8

const (
	StateQueued TaskState = iota
	StateExecuting
	StateCompleted
	StateException
	StateBlobNotFound
)

func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateException:
		return "exception"
	case StateBlobNotFound:
		return "blob_not_found"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

func (s TaskState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TaskState) UnmarshalText(text []byte) error {
	for state := StateQueued; state <= StateBlobNotFound; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", text)
}

// Terminal reports whether no further update follows this state.
func (s TaskState) Terminal() bool { return s >= StateCompleted }

// TaskStatus is one state transition of a compute task.
type TaskStatus struct {
	TaskHash blob.Hash `json:"task_hash" cbor:"task_hash"`
	State    TaskState `json:"state" cbor:"state"`
	AgentID  string    `json:"agent_id,omitempty" cbor:"agent_id,omitempty"`
	LeaseID  string    `json:"lease_id,omitempty" cbor:"lease_id,omitempty"`

	// ResultHash is the ComputeTaskResult blob of a completed task.
	ResultHash blob.Hash `json:"result_hash,omitzero" cbor:"result_hash"`

	// Detail is diagnostic text for an Exception.
	Detail string `json:"detail,omitempty" cbor:"detail,omitempty"`

	// MissingHash is the absent blob of a BlobNotFound.
	MissingHash blob.Hash `json:"missing_hash,omitzero" cbor:"missing_hash"`

	Time time.Time `json:"time" cbor:"time"`
}

// Requirements select the agents that may run a task. An empty Pool
// matches every pool.
type Requirements struct {
	Pool       string   `cbor:"pool,omitempty"`
	Properties []string `cbor:"properties,omitempty"`
}

// Matches reports whether agent satisfies r.
func (r Requirements) Matches(agent *lease.Agent) bool {
	if r.Pool != "" && r.Pool != agent.Pool {
		return false
	}
	return agent.HasProperties(r.Properties)
}

// ComputeTaskDefinition is the blob a task hash names: a command run
// inside the materialized Sandbox tree.
type ComputeTaskDefinition struct {
	Executable       string            `cbor:"executable"`
	Arguments        []string          `cbor:"arguments,omitempty"`
	EnvVars          map[string]string `cbor:"env_vars,omitempty"`
	WorkingDirectory string            `cbor:"working_directory,omitempty"`
	Sandbox          blob.Hash         `cbor:"sandbox"`

	// OutputPaths are sandbox-relative paths uploaded after the run.
	OutputPaths []string `cbor:"output_paths,omitempty"`
}

// ComputeTaskResult is the blob an agent writes for a finished task.
type ComputeTaskResult struct {
	ExitCode int       `cbor:"exit_code"`
	Outputs  blob.Hash `cbor:"outputs"`
	LogHash  blob.Hash `cbor:"log_hash"`
}

// ResultReport is the lease result payload of a compute lease.
type ResultReport struct {
	ResultHash  blob.Hash `cbor:"result_hash"`
	MissingHash blob.Hash `cbor:"missing_hash"`
	Detail      string    `cbor:"detail,omitempty"`
}

func writeCBOR(ctx context.Context, store BlobStore, value any, references []blob.Hash) (blob.Hash, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return blob.Hash{}, err
	}
	return store.WriteBlob(ctx, data, references)
}

func readCBOR(ctx context.Context, store BlobStore, hash blob.Hash, value any) error {
	found, ok, err := store.TryReadBlob(ctx, hash)
	if err != nil {
		return err
	}
	if !ok {
		return &BlobNotFoundError{Hash: hash}
	}
	if err := codec.Unmarshal(found.Data, value); err != nil {
		return fmt.Errorf("decoding blob %s: %w", hash, err)
	}
	return nil
}

func nonZero(hashes ...blob.Hash) []blob.Hash {
	var result []blob.Hash
	for _, hash := range hashes {
		if !hash.IsZero() {
			result = append(result, hash)
		}
	}
	return result
}

func WriteRequirements(ctx context.Context, store BlobStore, requirements Requirements) (blob.Hash, error) {
	return writeCBOR(ctx, store, requirements, nil)
}

func ReadRequirements(ctx context.Context, store BlobStore, hash blob.Hash) (Requirements, error) {
	var requirements Requirements
	err := readCBOR(ctx, store, hash, &requirements)
	return requirements, err
}

// WriteTaskDefinition stores definition with a reference to its
// sandbox tree.
func WriteTaskDefinition(ctx context.Context, store BlobStore, definition ComputeTaskDefinition) (blob.Hash, error) {
	if definition.Executable == "" {
		return blob.Hash{}, errors.New("compute: task definition has no executable")
	}
	return writeCBOR(ctx, store, definition, nonZero(definition.Sandbox))
}

func ReadTaskDefinition(ctx context.Context, store BlobStore, hash blob.Hash) (ComputeTaskDefinition, error) {
	var definition ComputeTaskDefinition
	err := readCBOR(ctx, store, hash, &definition)
	return definition, err
}

func WriteTaskResult(ctx context.Context, store BlobStore, result ComputeTaskResult) (blob.Hash, error) {
	return writeCBOR(ctx, store, result, nonZero(result.Outputs, result.LogHash))
}

func ReadTaskResult(ctx context.Context, store BlobStore, hash blob.Hash) (ComputeTaskResult, error) {
	var result ComputeTaskResult
	err := readCBOR(ctx, store, hash, &result)
	return result, err
}
