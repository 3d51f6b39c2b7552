// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/compute"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/logbuilder"
)

// Socket actions served by the foreman server.
const (
	ActionRegister         = "register"
	ActionHeartbeat        = "heartbeat"
	ActionWaitLease        = "wait-lease"
	ActionReportResult     = "report-result"
	ActionAppendLog        = "append-log"
	ActionCompleteLogChunk = "complete-log-chunk"
	ActionWriteBlob        = "write-blob"
	ActionReadBlob         = "read-blob"
	ActionHasBlob          = "has-blob"
	ActionAddTasks         = "add-tasks"
	ActionGetTaskUpdates   = "get-task-updates"
)

// Credentials identify a registered agent's session. Every agent
// action except register carries them.
type Credentials struct {
	AgentID string `cbor:"agent_id"`
	Token   string `cbor:"token"`
}

type RegisterRequest struct {
	AgentID    string   `cbor:"agent_id,omitempty"`
	Name       string   `cbor:"name"`
	Pool       string   `cbor:"pool"`
	Properties []string `cbor:"properties,omitempty"`
}

type RegisterResponse struct {
	AgentID string `cbor:"agent_id"`
	Token   string `cbor:"token"`
}

type HeartbeatRequest struct {
	Credentials
	Properties []string `cbor:"properties,omitempty"`
}

type WaitLeaseRequest struct {
	Credentials
	Timeout time.Duration `cbor:"timeout"`
}

// WaitLeaseResponse carries the assigned lease, or none when the wait
// timed out. A lease whose response cannot be written is aborted so
// its task goes back to the source.
type WaitLeaseResponse struct {
	Lease *lease.Lease `cbor:"lease,omitempty"`

	abort func(ctx context.Context)
}

func (r *WaitLeaseResponse) Undelivered(ctx context.Context) {
	if r.abort != nil {
		r.abort(ctx)
	}
}

type ReportResultRequest struct {
	Credentials
	LeaseID string        `cbor:"lease_id"`
	Outcome lease.Outcome `cbor:"outcome"`
	Result  []byte        `cbor:"result,omitempty"`
}

// AcceptedResponse answers actions whose effect may be refused without
// an error: a result for an already-resolved lease, or an append to a
// completed chunk.
type AcceptedResponse struct {
	Accepted bool `cbor:"accepted"`
}

type AppendLogRequest struct {
	Credentials
	LogID       string             `cbor:"log_id"`
	ChunkOffset int64              `cbor:"chunk_offset"`
	WriteOffset int64              `cbor:"write_offset"`
	LineIndex   int64              `cbor:"line_index"`
	LineCount   int64              `cbor:"line_count"`
	Data        []byte             `cbor:"data"`
	LogType     logbuilder.LogType `cbor:"log_type"`
}

type CompleteLogChunkRequest struct {
	Credentials
	LogID       string `cbor:"log_id"`
	ChunkOffset int64  `cbor:"chunk_offset"`
}

type WriteBlobRequest struct {
	Data       []byte      `cbor:"data"`
	References []blob.Hash `cbor:"references,omitempty"`
}

type HashResponse struct {
	Hash blob.Hash `cbor:"hash"`
}

type BlobRequest struct {
	Hash blob.Hash `cbor:"hash"`
}

type ReadBlobResponse struct {
	Found      bool        `cbor:"found"`
	Data       []byte      `cbor:"data,omitempty"`
	References []blob.Hash `cbor:"references,omitempty"`
}

type AddTasksRequest struct {
	Namespace        string      `cbor:"namespace"`
	RequirementsHash blob.Hash   `cbor:"requirements_hash"`
	TaskHashes       []blob.Hash `cbor:"task_hashes"`
	ChannelID        string      `cbor:"channel_id"`
}

type GetTaskUpdatesRequest struct {
	ChannelID string        `cbor:"channel_id"`
	Timeout   time.Duration `cbor:"timeout"`
}

type TaskUpdatesResponse struct {
	Updates []compute.TaskStatus `cbor:"updates"`
}
