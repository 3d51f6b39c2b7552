// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"reflect"
	"testing"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/pool"
)

func TestTaskPayloadRoundTrip(t *testing.T) {
	tasks := []Task{
		ConformTask{
			PoolID:      "pool-linux",
			PoolVersion: 7,
			Workspaces: []pool.AgentWorkspace{
				{Identifier: "main", Stream: "//depot/main", View: []string{"-//depot/main/docs/..."}},
			},
		},
		JobTask{
			JobID:   "job_1",
			Step:    2,
			Name:    "compile",
			Command: []string{"make", "all"},
			Env:     map[string]string{"CC": "clang"},
			LogID:   "log_1",
			Timeout: 10 * time.Minute,
		},
		ComputeTask{
			Namespace:        "default",
			RequirementsHash: blob.HashData([]byte("requirements")),
			TaskHash:         blob.HashData([]byte("task")),
			ChannelID:        "chan_1",
		},
	}
	for _, task := range tasks {
		t.Run(task.Kind().String(), func(t *testing.T) {
			encoded, err := EncodeTask(task)
			if err != nil {
				t.Fatalf("EncodeTask: %v", err)
			}
			decoded, err := DecodeTask(encoded)
			if err != nil {
				t.Fatalf("DecodeTask: %v", err)
			}
			if !reflect.DeepEqual(decoded, task) {
				t.Errorf("decoded = %#v, want %#v", decoded, task)
			}
		})
	}
}

func TestDecodeTaskUnknownKind(t *testing.T) {
	encoded, err := codec.Marshal(Payload{Kind: 99, Body: []byte{0xa0}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := DecodeTask(encoded); err == nil {
		t.Error("expected error for unknown task kind")
	}
}

func TestOutcomeNames(t *testing.T) {
	for outcome := OutcomeSuccess; outcome <= OutcomeAborted; outcome++ {
		parsed, err := ParseOutcome(outcome.String())
		if err != nil || parsed != outcome {
			t.Errorf("ParseOutcome(%q) = %v, %v", outcome.String(), parsed, err)
		}
	}
	if _, err := ParseOutcome("pending"); err == nil {
		t.Error("pending is not a terminal outcome")
	}
}

func TestAgentHasProperties(t *testing.T) {
	agent := &Agent{Properties: []string{"linux", "x86_64", "gpu"}}
	if !agent.HasProperties([]string{"gpu", "linux"}) {
		t.Error("agent should satisfy a subset of its properties")
	}
	if agent.HasProperties([]string{"windows"}) {
		t.Error("agent should not satisfy a missing property")
	}
	if !agent.HasProperties(nil) {
		t.Error("no requirements should always be satisfied")
	}
}
