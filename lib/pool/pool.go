// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

var (
	// ErrPoolNotFound is returned by Get and UpdateConfig for an
	// unknown pool id.
	ErrPoolNotFound = errors.New("pool: not found")

	// ErrPoolExists is returned by Create for a duplicate id.
	ErrPoolExists = errors.New("pool: already exists")
)

// AgentWorkspace is one workspace every agent in a pool keeps synced:
// a view of one stream, checked out under Identifier.
type AgentWorkspace struct {
	Identifier  string   `json:"identifier" cbor:"identifier"`
	Stream      string   `json:"stream" cbor:"stream"`
	View        []string `json:"view,omitempty" cbor:"view,omitempty"`
	Incremental bool     `json:"incremental,omitempty" cbor:"incremental,omitempty"`
}

// Equal compares two workspaces field by field. View order is
// significant: later view lines override earlier ones.
func (w AgentWorkspace) Equal(other AgentWorkspace) bool {
	return w.Identifier == other.Identifier &&
		w.Stream == other.Stream &&
		w.Incremental == other.Incremental &&
		slices.Equal(w.View, other.View)
}

// key is a canonical string form used for dedup and set comparison.
func (w AgentWorkspace) key() string {
	var builder strings.Builder
	builder.WriteString(w.Identifier)
	builder.WriteByte(0)
	builder.WriteString(w.Stream)
	builder.WriteByte(0)
	if w.Incremental {
		builder.WriteByte('1')
	} else {
		builder.WriteByte('0')
	}
	for _, line := range w.View {
		builder.WriteByte(0)
		builder.WriteString(line)
	}
	return builder.String()
}

// WorkspacesEqual reports whether a and b hold the same set of
// workspaces, ignoring order and duplicates.
func WorkspacesEqual(a, b []AgentWorkspace) bool {
	setA := workspaceSet(a)
	setB := workspaceSet(b)
	if len(setA) != len(setB) {
		return false
	}
	for key := range setA {
		if _, ok := setB[key]; !ok {
			return false
		}
	}
	return true
}

func workspaceSet(workspaces []AgentWorkspace) map[string]struct{} {
	set := make(map[string]struct{}, len(workspaces))
	for _, workspace := range workspaces {
		set[workspace.key()] = struct{}{}
	}
	return set
}

// WorkspacesDigest fingerprints a workspace set, ignoring order and
// duplicates. Two sets are WorkspacesEqual exactly when their digests
// match.
func WorkspacesDigest(workspaces []AgentWorkspace) string {
	hasher := blake3.New()
	var length []byte
	for _, key := range slices.Sorted(maps.Keys(workspaceSet(workspaces))) {
		length = binary.AppendUvarint(length[:0], uint64(len(key)))
		hasher.Write(length)
		hasher.Write([]byte(key))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// SortWorkspaces orders workspaces by identifier then stream, so a
// derived set is stored in a stable order.
func SortWorkspaces(workspaces []AgentWorkspace) {
	sort.Slice(workspaces, func(i, j int) bool {
		if workspaces[i].Identifier != workspaces[j].Identifier {
			return workspaces[i].Identifier < workspaces[j].Identifier
		}
		return workspaces[i].key() < workspaces[j].key()
	})
}

// Pool is a group of interchangeable agents. Workspaces is written only
// by the Reconciler; the remaining configuration only by the admin API.
// Version increases on every write and guards TryUpdateWorkspaces.
type Pool struct {
	ID                      string           `json:"id"`
	Name                    string           `json:"name"`
	Workspaces              []AgentWorkspace `json:"workspaces"`
	EnableAutoscaling       bool             `json:"enable_autoscaling"`
	MinAgents               int              `json:"min_agents"`
	NumReserveAgents        int              `json:"num_reserve_agents"`
	ConformInterval         time.Duration    `json:"conform_interval"`
	ShutdownIfDisabledGrace time.Duration    `json:"shutdown_if_disabled_grace"`
	Version                 int64            `json:"version"`
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	clone := *p
	clone.Workspaces = make([]AgentWorkspace, len(p.Workspaces))
	for i, workspace := range p.Workspaces {
		workspace.View = slices.Clone(workspace.View)
		clone.Workspaces[i] = workspace
	}
	return &clone
}

// ConfigUpdate carries the admin-writable pool fields. Nil fields are
// left unchanged.
type ConfigUpdate struct {
	EnableAutoscaling       *bool          `json:"enable_autoscaling,omitempty"`
	MinAgents               *int           `json:"min_agents,omitempty"`
	NumReserveAgents        *int           `json:"num_reserve_agents,omitempty"`
	ConformInterval         *time.Duration `json:"conform_interval,omitempty"`
	ShutdownIfDisabledGrace *time.Duration `json:"shutdown_if_disabled_grace,omitempty"`
}

// Validate rejects negative counts and durations.
func (u ConfigUpdate) Validate() error {
	var errs []error
	if u.MinAgents != nil && *u.MinAgents < 0 {
		errs = append(errs, errors.New("min_agents must not be negative"))
	}
	if u.NumReserveAgents != nil && *u.NumReserveAgents < 0 {
		errs = append(errs, errors.New("num_reserve_agents must not be negative"))
	}
	if u.ConformInterval != nil && *u.ConformInterval < 0 {
		errs = append(errs, errors.New("conform_interval must not be negative"))
	}
	if u.ShutdownIfDisabledGrace != nil && *u.ShutdownIfDisabledGrace < 0 {
		errs = append(errs, errors.New("shutdown_if_disabled_grace must not be negative"))
	}
	return errors.Join(errs...)
}

func (u ConfigUpdate) apply(p *Pool) {
	if u.EnableAutoscaling != nil {
		p.EnableAutoscaling = *u.EnableAutoscaling
	}
	if u.MinAgents != nil {
		p.MinAgents = *u.MinAgents
	}
	if u.NumReserveAgents != nil {
		p.NumReserveAgents = *u.NumReserveAgents
	}
	if u.ConformInterval != nil {
		p.ConformInterval = *u.ConformInterval
	}
	if u.ShutdownIfDisabledGrace != nil {
		p.ShutdownIfDisabledGrace = *u.ShutdownIfDisabledGrace
	}
}
