// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/pool"
)

// TaskKind names the variant of a Task. It is the dispatch key on the
// agent: each kind has exactly one handler.
type TaskKind uint8

const (
	KindConform TaskKind = 1
	KindJob     TaskKind = 2
	KindCompute TaskKind = 3
)

func (k TaskKind) String() string {
	switch k {
	case KindConform:
		return "conform"
	case KindJob:
		return "job"
	case KindCompute:
		return "compute"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Task is the work carried by a lease. The set of variants is closed:
// ConformTask, JobTask and ComputeTask.
type Task interface {
	Kind() TaskKind
	isTask()
}

// ConformTask asks an agent to bring its workspaces in line with its
// pool's workspace set.
type ConformTask struct {
	PoolID      string                `cbor:"pool_id"`
	PoolVersion int64                 `cbor:"pool_version"`
	Workspaces  []pool.AgentWorkspace `cbor:"workspaces"`
}

// JobTask is one step of a build job.
type JobTask struct {
	JobID      string            `cbor:"job_id"`
	Step       int               `cbor:"step"`
	Name       string            `cbor:"name"`
	Command    []string          `cbor:"command"`
	Env        map[string]string `cbor:"env,omitempty"`
	WorkingDir string            `cbor:"working_dir,omitempty"`
	LogID      string            `cbor:"log_id"`
	Timeout    time.Duration     `cbor:"timeout,omitempty"`
}

// ComputeTask references a task definition blob queued through the
// compute dispatcher.
type ComputeTask struct {
	Namespace        string    `cbor:"namespace"`
	RequirementsHash blob.Hash `cbor:"requirements_hash"`
	TaskHash         blob.Hash `cbor:"task_hash"`
	ChannelID        string    `cbor:"channel_id"`
}

func (ConformTask) Kind() TaskKind { return KindConform }
func (JobTask) Kind() TaskKind     { return KindJob }
func (ComputeTask) Kind() TaskKind { return KindCompute }

func (ConformTask) isTask() {}
func (JobTask) isTask()     {}
func (ComputeTask) isTask() {}

// Payload is the wire envelope of a Task: the kind followed by the
// variant's own CBOR encoding.
type Payload struct {
	Kind TaskKind         `cbor:"kind"`
	Body codec.RawMessage `cbor:"body"`
}

// EncodeTask serializes a task into a Payload encoding.
func EncodeTask(task Task) ([]byte, error) {
	body, err := codec.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding %s task: %w", task.Kind(), err)
	}
	return codec.Marshal(Payload{Kind: task.Kind(), Body: body})
}

// DecodeTask parses a Payload encoding back into its Task variant.
func DecodeTask(data []byte) (Task, error) {
	var payload Payload
	if err := codec.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding task payload: %w", err)
	}
	switch payload.Kind {
	case KindConform:
		return decodeBody[ConformTask](payload)
	case KindJob:
		return decodeBody[JobTask](payload)
	case KindCompute:
		return decodeBody[ComputeTask](payload)
	default:
		return nil, fmt.Errorf("decoding task payload: unknown kind %d", payload.Kind)
	}
}

func decodeBody[T Task](payload Payload) (Task, error) {
	var task T
	if err := codec.Unmarshal(payload.Body, &task); err != nil {
		return nil, fmt.Errorf("decoding %s task: %w", payload.Kind, err)
	}
	return task, nil
}
