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

// pollMargin is added to a long poll's wait for the response deadline.
const pollMargin = 10 * time.Second

// WriteBlob stores data on the server. With TryReadBlob and HasBlob it
// makes a Client a compute.BlobStore.
func (c *Client) WriteBlob(ctx context.Context, data []byte, references []blob.Hash) (blob.Hash, error) {
	var response HashResponse
	err := c.Call(ctx, ActionWriteBlob, map[string]any{
		"data":       data,
		"references": references,
	}, &response)
	return response.Hash, err
}

func (c *Client) TryReadBlob(ctx context.Context, hash blob.Hash) (blob.Blob, bool, error) {
	var response ReadBlobResponse
	if err := c.Call(ctx, ActionReadBlob, map[string]any{"hash": hash}, &response); err != nil {
		return blob.Blob{}, false, err
	}
	if !response.Found {
		return blob.Blob{}, false, nil
	}
	return blob.Blob{Data: response.Data, References: response.References}, true, nil
}

func (c *Client) HasBlob(ctx context.Context, hash blob.Hash) (bool, error) {
	var response ReadBlobResponse
	err := c.Call(ctx, ActionHasBlob, map[string]any{"hash": hash}, &response)
	return response.Found, err
}

// AddTasks queues compute tasks whose updates are delivered on
// channelID.
func (c *Client) AddTasks(ctx context.Context, namespace string, requirementsHash blob.Hash, taskHashes []blob.Hash, channelID string) error {
	return c.Call(ctx, ActionAddTasks, map[string]any{
		"namespace":         namespace,
		"requirements_hash": requirementsHash,
		"task_hashes":       taskHashes,
		"channel_id":        channelID,
	}, nil)
}

// GetTaskUpdates waits up to wait for status updates on channelID. An
// empty result means the wait ended with nothing new.
func (c *Client) GetTaskUpdates(ctx context.Context, channelID string, wait time.Duration) ([]compute.TaskStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, wait+pollMargin)
	defer cancel()
	var response TaskUpdatesResponse
	err := c.Call(callCtx, ActionGetTaskUpdates, map[string]any{
		"channel_id": channelID,
		"timeout":    wait,
	}, &response)
	return response.Updates, err
}

// AgentClient is a registered agent's session on the server. It
// satisfies agentexec.Session, logbuilder.ChunkAppender and, through
// the embedded Client, compute.BlobStore.
type AgentClient struct {
	*Client
	credentials Credentials
}

// Register registers the agent and returns its session.
func Register(ctx context.Context, client *Client, registration lease.Registration) (*AgentClient, error) {
	var response RegisterResponse
	err := client.Call(ctx, ActionRegister, map[string]any{
		"agent_id":   registration.AgentID,
		"name":       registration.Name,
		"pool":       registration.Pool,
		"properties": registration.Properties,
	}, &response)
	if err != nil {
		return nil, err
	}
	return &AgentClient{
		Client:      client,
		credentials: Credentials{AgentID: response.AgentID, Token: response.Token},
	}, nil
}

func (a *AgentClient) AgentID() string { return a.credentials.AgentID }

func (a *AgentClient) fields(extra map[string]any) map[string]any {
	extra["agent_id"] = a.credentials.AgentID
	extra["token"] = a.credentials.Token
	return extra
}

func (a *AgentClient) Heartbeat(ctx context.Context, properties []string) (lease.HeartbeatStatus, error) {
	var status lease.HeartbeatStatus
	err := a.Call(ctx, ActionHeartbeat, a.fields(map[string]any{"properties": properties}), &status)
	return status, err
}

func (a *AgentClient) WaitForLease(ctx context.Context, timeout time.Duration) (*lease.Lease, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout+pollMargin)
	defer cancel()
	var response WaitLeaseResponse
	if err := a.Call(callCtx, ActionWaitLease, a.fields(map[string]any{"timeout": timeout}), &response); err != nil {
		return nil, err
	}
	return response.Lease, nil
}

func (a *AgentClient) ReportLeaseResult(ctx context.Context, leaseID string, outcome lease.Outcome, result []byte) error {
	return a.Call(ctx, ActionReportResult, a.fields(map[string]any{
		"lease_id": leaseID,
		"outcome":  outcome,
		"result":   result,
	}), nil)
}

func (a *AgentClient) Append(ctx context.Context, logID string, chunkOffset, writeOffset, lineIndex, lineCount int64, data []byte, logType logbuilder.LogType) (bool, error) {
	var response AcceptedResponse
	err := a.Call(ctx, ActionAppendLog, a.fields(map[string]any{
		"log_id":       logID,
		"chunk_offset": chunkOffset,
		"write_offset": writeOffset,
		"line_index":   lineIndex,
		"line_count":   lineCount,
		"data":         data,
		"log_type":     logType,
	}), &response)
	return response.Accepted, err
}

func (a *AgentClient) CompleteChunk(ctx context.Context, logID string, chunkOffset int64) error {
	return a.Call(ctx, ActionCompleteLogChunk, a.fields(map[string]any{
		"log_id":       logID,
		"chunk_offset": chunkOffset,
	}), nil)
}
