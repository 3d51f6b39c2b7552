// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/compute"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/logbuilder"
)

// DefaultMaxWait caps the wait a client may request on a long poll.
const DefaultMaxWait = time.Minute

// ErrLeaseNotOwned is returned when an agent reports on a lease
// assigned to another agent.
var ErrLeaseNotOwned = errors.New("lease belongs to another agent")

// LogAppender is the part of the log builder the socket exposes.
type LogAppender interface {
	Append(ctx context.Context, logID string, chunkOffset, writeOffset, lineIndex, lineCount int64, data []byte, logType logbuilder.LogType) (bool, error)
	CompleteChunk(ctx context.Context, logID string, chunkOffset int64) error
}

// APIConfig wires the socket actions to the server's components.
type APIConfig struct {
	Registry *lease.Registry
	Sessions *lease.Sessions
	Logs     LogAppender
	Blobs    *blob.Store
	Compute  *compute.Dispatcher
	Logger   *slog.Logger

	// MaxWait caps wait-lease and get-task-updates. Defaults to
	// DefaultMaxWait.
	MaxWait time.Duration
}

type api struct {
	APIConfig
}

// RegisterAPI installs the agent session, log, blob and compute
// actions on server.
func RegisterAPI(server *SocketServer, cfg APIConfig) error {
	if cfg.Registry == nil || cfg.Sessions == nil || cfg.Logs == nil || cfg.Blobs == nil || cfg.Compute == nil {
		return errors.New("service: Registry, Sessions, Logs, Blobs and Compute are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	a := &api{APIConfig: cfg}

	server.Handle(ActionRegister, a.register)
	server.Handle(ActionHeartbeat, a.heartbeat)
	server.Handle(ActionWaitLease, a.waitLease)
	server.Handle(ActionReportResult, a.reportResult)
	server.Handle(ActionAppendLog, a.appendLog)
	server.Handle(ActionCompleteLogChunk, a.completeLogChunk)
	server.Handle(ActionWriteBlob, a.writeBlob)
	server.Handle(ActionReadBlob, a.readBlob)
	server.Handle(ActionHasBlob, a.hasBlob)
	server.Handle(ActionAddTasks, a.addTasks)
	server.Handle(ActionGetTaskUpdates, a.getTaskUpdates)
	return nil
}

func decode[T any](raw []byte) (T, error) {
	var request T
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	return request, nil
}

func (a *api) authenticate(ctx context.Context, credentials Credentials) (*lease.Agent, error) {
	if credentials.AgentID == "" || credentials.Token == "" {
		return nil, lease.ErrInvalidSession
	}
	return a.Sessions.Authenticate(ctx, credentials.AgentID, credentials.Token)
}

func (a *api) clampWait(requested time.Duration) time.Duration {
	if requested <= 0 || requested > a.MaxWait {
		return a.MaxWait
	}
	return requested
}

func (a *api) register(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[RegisterRequest](raw)
	if err != nil {
		return nil, err
	}
	agent, err := a.Sessions.Register(ctx, lease.Registration{
		AgentID:    request.AgentID,
		Name:       request.Name,
		Pool:       request.Pool,
		Properties: request.Properties,
	})
	if err != nil {
		return nil, err
	}
	// Leases held by a previous session of this agent cannot be
	// finished by the new one.
	if aborted, err := a.Registry.ConnectionLost(ctx, agent.ID); err != nil {
		a.Logger.Error("aborting leases of re-registered agent", "agent_id", agent.ID, "error", err)
	} else if aborted > 0 {
		a.Logger.Info("aborted leases of previous session", "agent_id", agent.ID, "count", aborted)
	}
	return RegisterResponse{AgentID: agent.ID, Token: agent.SessionToken}, nil
}

func (a *api) heartbeat(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[HeartbeatRequest](raw)
	if err != nil {
		return nil, err
	}
	return a.Sessions.Heartbeat(ctx, request.AgentID, request.Token, request.Properties)
}

func (a *api) waitLease(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[WaitLeaseRequest](raw)
	if err != nil {
		return nil, err
	}
	agent, err := a.authenticate(ctx, request.Credentials)
	if err != nil {
		return nil, err
	}
	leased, err := a.Registry.WaitForLease(ctx, agent, a.clampWait(request.Timeout))
	if err != nil {
		if ctx.Err() != nil {
			return &WaitLeaseResponse{}, nil
		}
		return nil, err
	}
	response := &WaitLeaseResponse{Lease: leased}
	if leased != nil {
		response.abort = func(ctx context.Context) {
			if _, err := a.Registry.AbortLease(ctx, leased.ID, "lease response undeliverable"); err != nil {
				a.Logger.Error("aborting undelivered lease", "lease_id", leased.ID, "error", err)
			}
		}
	}
	return response, nil
}

func (a *api) reportResult(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[ReportResultRequest](raw)
	if err != nil {
		return nil, err
	}
	agent, err := a.authenticate(ctx, request.Credentials)
	if err != nil {
		return nil, err
	}
	leased, err := a.Registry.Lease(ctx, request.LeaseID)
	if err != nil {
		return nil, err
	}
	if leased.AgentID != agent.ID {
		return nil, fmt.Errorf("lease %s: %w", request.LeaseID, ErrLeaseNotOwned)
	}
	accepted, err := a.Registry.ReportLeaseResult(ctx, request.LeaseID, request.Outcome, request.Result)
	if err != nil {
		return nil, err
	}
	return AcceptedResponse{Accepted: accepted}, nil
}

func (a *api) appendLog(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[AppendLogRequest](raw)
	if err != nil {
		return nil, err
	}
	if _, err := a.authenticate(ctx, request.Credentials); err != nil {
		return nil, err
	}
	accepted, err := a.Logs.Append(ctx, request.LogID, request.ChunkOffset, request.WriteOffset,
		request.LineIndex, request.LineCount, request.Data, request.LogType)
	if err != nil {
		return nil, err
	}
	return AcceptedResponse{Accepted: accepted}, nil
}

func (a *api) completeLogChunk(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[CompleteLogChunkRequest](raw)
	if err != nil {
		return nil, err
	}
	if _, err := a.authenticate(ctx, request.Credentials); err != nil {
		return nil, err
	}
	return nil, a.Logs.CompleteChunk(ctx, request.LogID, request.ChunkOffset)
}

func (a *api) writeBlob(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[WriteBlobRequest](raw)
	if err != nil {
		return nil, err
	}
	hash, err := a.Blobs.WriteBlob(ctx, request.Data, request.References)
	if err != nil {
		return nil, err
	}
	return HashResponse{Hash: hash}, nil
}

func (a *api) readBlob(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[BlobRequest](raw)
	if err != nil {
		return nil, err
	}
	found, ok, err := a.Blobs.TryReadBlob(ctx, request.Hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return ReadBlobResponse{}, nil
	}
	return ReadBlobResponse{Found: true, Data: found.Data, References: found.References}, nil
}

func (a *api) hasBlob(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[BlobRequest](raw)
	if err != nil {
		return nil, err
	}
	found, err := a.Blobs.HasBlob(ctx, request.Hash)
	if err != nil {
		return nil, err
	}
	return ReadBlobResponse{Found: found}, nil
}

func (a *api) addTasks(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[AddTasksRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, a.Compute.AddTasks(ctx, request.Namespace, request.RequirementsHash, request.TaskHashes, request.ChannelID)
}

func (a *api) getTaskUpdates(ctx context.Context, raw []byte) (any, error) {
	request, err := decode[GetTaskUpdatesRequest](raw)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, a.clampWait(request.Timeout))
	defer cancel()
	updates, err := a.Compute.GetTaskUpdates(waitCtx, request.ChannelID)
	if err != nil {
		return nil, err
	}
	return TaskUpdatesResponse{Updates: updates}, nil
}
