// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adminapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/samber/mo"

	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/logbuilder"
	"github.com/bureau-foundation/foreman/lib/pool"
)

// maxBodySize bounds request bodies; admin requests are small.
const maxBodySize = 1 << 20

// LogReader serves log chunks, from the builder or storage.
type LogReader interface {
	GetChunk(ctx context.Context, logID string, chunkOffset, lineIndex int64) (mo.Option[logbuilder.ChunkData], error)
}

// ConformRequester queues a workspace conform for one agent.
type ConformRequester interface {
	Request(agentID string)
}

type Config struct {
	Pools    pool.Store
	Agents   lease.AgentStore
	Registry *lease.Registry
	Jobs     *lease.JobSource
	Logs     LogReader

	// Conform is optional; without it the conform endpoint is absent.
	Conform ConformRequester

	// AllowedOrigins is the CORS origin list for the log viewer.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the HTTP admin API and log viewer backend.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router *mux.Router
}

func New(cfg Config) (*Server, error) {
	if cfg.Pools == nil || cfg.Agents == nil || cfg.Registry == nil || cfg.Jobs == nil || cfg.Logs == nil {
		return nil, errors.New("adminapi: Pools, Agents, Registry, Jobs and Logs are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{cfg: cfg, logger: logger, router: mux.NewRouter()}
	s.setupEndpoints()
	return s, nil
}

func (s *Server) setupEndpoints() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/pools", s.handleListPools).Methods(http.MethodGet)
	r.HandleFunc("/pools", s.handleCreatePool).Methods(http.MethodPost)
	r.HandleFunc("/pools/{id}", s.handleGetPool).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}", s.handleUpdatePool).Methods(http.MethodPatch)

	r.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/enable", s.handleSetEnabled(true)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/disable", s.handleSetEnabled(false)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/shutdown", s.handleRequestShutdown).Methods(http.MethodPost)
	if s.cfg.Conform != nil {
		r.HandleFunc("/agents/{id}/conform", s.handleConform).Methods(http.MethodPost)
	}

	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleAddJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)

	r.HandleFunc("/logs/{id}/chunks/{offset}", s.handleGetLogChunk).Methods(http.MethodGet)
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.cfg.Pools.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	found, err := s.cfg.Pools.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, found)
}

// handleCreatePool registers a pool. Its workspaces belong to the
// reconciler, so any in the body are ignored.
func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var created pool.Pool
	if err := decodeBody(r, &created); err != nil {
		s.writeError(w, r, err)
		return
	}
	if created.ID == "" {
		s.writeError(w, r, badRequest(errors.New("pool id is required")))
		return
	}
	created.Workspaces = nil
	if err := s.cfg.Pools.Create(r.Context(), &created); err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.cfg.Pools.Get(r.Context(), created.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("pool created", "pool_id", stored.ID)
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	var update pool.ConfigUpdate
	if err := decodeBody(r, &update); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := update.Validate(); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	updated, err := s.cfg.Pools.UpdateConfig(r.Context(), mux.Vars(r)["id"], update)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("pool config updated", "pool_id", updated.ID, "version", updated.Version)
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Agents.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agents)
}

// AgentDetail is an agent with the leases it currently holds.
type AgentDetail struct {
	*lease.Agent
	Leases []*lease.Lease `json:"leases"`
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := s.cfg.Agents.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	leases, err := s.cfg.Registry.ActiveLeases(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if leases == nil {
		leases = []*lease.Lease{}
	}
	s.writeJSON(w, http.StatusOK, AgentDetail{Agent: agent, Leases: leases})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.cfg.Agents.SetEnabled(r.Context(), id, enabled); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("agent enabled flag changed", "agent_id", id, "enabled", enabled)
		s.writeAgent(w, r, id)
	}
}

func (s *Server) handleRequestShutdown(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.cfg.Agents.RequestShutdown(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("agent shutdown requested", "agent_id", id)
	s.writeAgent(w, r, id)
}

func (s *Server) handleConform(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.cfg.Agents.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cfg.Conform.Request(id)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"agent_id": id})
}

func (s *Server) writeAgent(w http.ResponseWriter, r *http.Request, id string) {
	agent, err := s.cfg.Agents.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Jobs.Jobs())
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var spec lease.JobSpec
	if err := decodeBody(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.cfg.Jobs.AddJob(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	job, err := s.cfg.Jobs.Job(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.Job(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.cfg.Jobs.CancelJob(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetJob(w, r)
}

// LogChunk is the log viewer's view of one chunk.
type LogChunk struct {
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
	LineIndex int64  `json:"line_index"`
	LineCount int64  `json:"line_count"`
	Complete  bool   `json:"complete"`
	Data      string `json:"data"`

	// NextOffset is where the following chunk starts once this one is
	// complete.
	NextOffset int64 `json:"next_offset"`
}

func (s *Server) handleGetLogChunk(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	offset, err := strconv.ParseInt(vars["offset"], 10, 64)
	if err != nil || offset < 0 {
		s.writeError(w, r, badRequest(fmt.Errorf("invalid chunk offset %q", vars["offset"])))
		return
	}
	var line int64
	if raw := r.URL.Query().Get("line"); raw != "" {
		line, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || line < 0 {
			s.writeError(w, r, badRequest(fmt.Errorf("invalid line index %q", raw)))
			return
		}
	}

	found, err := s.cfg.Logs.GetChunk(r.Context(), vars["id"], offset, line)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chunk, ok := found.Get()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "log chunk not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, LogChunk{
		Offset:     chunk.Offset,
		Length:     chunk.Length,
		LineIndex:  chunk.LineIndex,
		LineCount:  chunk.LineCount,
		Complete:   chunk.Complete,
		Data:       string(chunk.Bytes()),
		NextOffset: chunk.Offset + chunk.Length,
	})
}
