// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrLeaseNotFound is returned for an unknown lease id.
	ErrLeaseNotFound = errors.New("lease: not found")

	// ErrAgentNotFound is returned for an unknown agent id.
	ErrAgentNotFound = errors.New("lease: agent not found")

	// ErrNotAccepted is returned by TaskListener.Accept when the
	// listener holds no offer to accept: it resolved to nothing, was
	// already disposed, or was already accepted.
	ErrNotAccepted = errors.New("lease: offer not accepted")

	// ErrInvalidSession is returned when an agent presents a session
	// token that does not match its registration.
	ErrInvalidSession = errors.New("lease: invalid session")
)

// Outcome is the terminal state of a lease. The zero value means the
// lease is still running.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeException
	OutcomeCancelled
	// OutcomeAborted marks a lease ended by the server (AbortLease,
	// lost connection) rather than reported by its agent.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeException:
		return "exception"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(text []byte) error {
	if string(text) == OutcomePending.String() {
		*o = OutcomePending
		return nil
	}
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOutcome is the inverse of String for terminal outcomes.
func ParseOutcome(name string) (Outcome, error) {
	for outcome := OutcomeSuccess; outcome <= OutcomeAborted; outcome++ {
		if outcome.String() == name {
			return outcome, nil
		}
	}
	return OutcomePending, fmt.Errorf("unknown lease outcome %q", name)
}

// Agent is a registered build agent.
type Agent struct {
	ID              string    `json:"id" cbor:"id"`
	Name            string    `json:"name" cbor:"name"`
	Pool            string    `json:"pool" cbor:"pool"`
	Properties      []string  `json:"properties,omitempty" cbor:"properties,omitempty"`
	SessionToken    string    `json:"-" cbor:"-"`
	Enabled         bool      `json:"enabled" cbor:"enabled"`
	RequestShutdown bool      `json:"request_shutdown" cbor:"request_shutdown"`
	RegisteredAt    time.Time `json:"registered_at" cbor:"registered_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat" cbor:"last_heartbeat"`
}

// HasProperties reports whether the agent advertises every property in
// required.
func (a *Agent) HasProperties(required []string) bool {
	for _, property := range required {
		if !slices.Contains(a.Properties, property) {
			return false
		}
	}
	return true
}

// Schedulable reports whether the agent may be given new work.
func (a *Agent) Schedulable() bool {
	return a.Enabled && !a.RequestShutdown
}

// Lease is one task handed to one agent. Payload is an EncodeTask
// encoding; Source names the TaskSource that produced it so results
// and aborts can be routed back after a restart.
type Lease struct {
	ID         string    `json:"id" cbor:"id"`
	AgentID    string    `json:"agent_id" cbor:"agent_id"`
	Source     string    `json:"source" cbor:"source"`
	Kind       TaskKind  `json:"kind" cbor:"kind"`
	Payload    []byte    `json:"-" cbor:"payload"`
	StartTime  time.Time `json:"start_time" cbor:"start_time"`
	FinishTime time.Time `json:"finish_time,omitzero" cbor:"finish_time"`
	Outcome    Outcome   `json:"outcome" cbor:"outcome"`
	Result     []byte    `json:"-" cbor:"result,omitempty"`
}

// Resolved reports whether the lease has reached a terminal outcome.
func (l *Lease) Resolved() bool { return l.Outcome != OutcomePending }

// Task decodes the lease payload.
func (l *Lease) Task() (Task, error) { return DecodeTask(l.Payload) }

// NewLease builds an unresolved lease for task. The caller supplies the
// id so a source can remember it before the lease is accepted.
func NewLease(id, agentID, source string, task Task, now time.Time) (*Lease, error) {
	payload, err := EncodeTask(task)
	if err != nil {
		return nil, err
	}
	return &Lease{
		ID:        id,
		AgentID:   agentID,
		Source:    source,
		Kind:      task.Kind(),
		Payload:   payload,
		StartTime: now,
	}, nil
}

// NewLeaseInfo is what a TaskSource offers: the lease, and optionally a
// callback run when the agent holding it disconnects.
type NewLeaseInfo struct {
	Lease            *Lease
	OnConnectionLost func()
}
