// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
)

// Stream is the configuration of one source stream: which agent types
// build it, and which workspace each agent type needs.
type Stream struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name"`
	AgentTypes     map[string]AgentType     `json:"agent_types"`
	WorkspaceTypes map[string]WorkspaceType `json:"workspace_types,omitempty"`
}

// AgentType maps agents of one kind to the pool that supplies them and
// the workspace type they sync.
type AgentType struct {
	Pool      string `json:"pool"`
	Workspace string `json:"workspace,omitempty"`
}

// WorkspaceType describes a workspace. Empty Identifier and Stream
// default to the stream's ID and Name.
type WorkspaceType struct {
	Identifier  string   `json:"identifier,omitempty"`
	Stream      string   `json:"stream,omitempty"`
	View        []string `json:"view,omitempty"`
	Incremental bool     `json:"incremental,omitempty"`
}

// AgentWorkspace derives the workspace the named agent type needs on
// this stream. The returned pool id is the agent type's pool.
func (s *Stream) AgentWorkspace(agentType string) (string, AgentWorkspace, error) {
	agent, ok := s.AgentTypes[agentType]
	if !ok {
		return "", AgentWorkspace{}, fmt.Errorf("stream %s has no agent type %q", s.ID, agentType)
	}
	if agent.Pool == "" {
		return "", AgentWorkspace{}, fmt.Errorf("stream %s agent type %q has no pool", s.ID, agentType)
	}
	var workspaceType WorkspaceType
	if agent.Workspace != "" {
		workspaceType, ok = s.WorkspaceTypes[agent.Workspace]
		if !ok {
			return "", AgentWorkspace{}, fmt.Errorf("stream %s agent type %q references unknown workspace type %q",
				s.ID, agentType, agent.Workspace)
		}
	}

	workspace := AgentWorkspace{
		Identifier:  workspaceType.Identifier,
		Stream:      workspaceType.Stream,
		View:        slices.Clone(workspaceType.View),
		Incremental: workspaceType.Incremental,
	}
	if workspace.Identifier == "" {
		workspace.Identifier = s.ID
	}
	if workspace.Stream == "" {
		workspace.Stream = s.Name
	}
	return agent.Pool, workspace, nil
}

// StreamSource lists the active streams.
type StreamSource interface {
	ListStreams(ctx context.Context) ([]*Stream, error)
}

// MemoryStreams is a StreamSource held in memory.
type MemoryStreams struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func NewMemoryStreams(streams ...*Stream) *MemoryStreams {
	m := &MemoryStreams{streams: make(map[string]*Stream)}
	for _, stream := range streams {
		m.Set(stream)
	}
	return m
}

// Set adds or replaces a stream.
func (m *MemoryStreams) Set(stream *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[stream.ID] = stream
}

// Remove deletes a stream.
func (m *MemoryStreams) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

func (m *MemoryStreams) ListStreams(context.Context) ([]*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
	return streams, nil
}

// ConfigDir reads stream definitions from a directory of JSONC files,
// one stream per file. A file without an "id" takes its id from the
// file name. The directory is re-read on every call so edits take
// effect on the next reconcile.
type ConfigDir struct {
	Path string
}

func (d ConfigDir) ListStreams(context.Context) ([]*Stream, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, fmt.Errorf("reading stream directory: %w", err)
	}

	var streams []*Stream
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		extension := filepath.Ext(name)
		if entry.IsDir() || (extension != ".jsonc" && extension != ".json") {
			continue
		}
		path := filepath.Join(d.Path, name)
		stream, err := ReadStreamFile(path)
		if err != nil {
			return nil, err
		}
		if stream.ID == "" {
			stream.ID = strings.TrimSuffix(name, extension)
		}
		if previous, ok := seen[stream.ID]; ok {
			return nil, fmt.Errorf("stream %s defined in both %s and %s", stream.ID, previous, name)
		}
		seen[stream.ID] = name
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
	return streams, nil
}

// ParseStream parses one JSONC stream definition.
func ParseStream(data []byte) (*Stream, error) {
	var stream Stream
	if err := json.Unmarshal(jsonc.ToJSON(data), &stream); err != nil {
		return nil, fmt.Errorf("parsing stream: %w", err)
	}
	if stream.Name == "" {
		return nil, errors.New("parsing stream: name is required")
	}
	return &stream, nil
}

// ReadStreamFile reads and parses a JSONC stream file.
func ReadStreamFile(path string) (*Stream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	stream, err := ParseStream(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return stream, nil
}
