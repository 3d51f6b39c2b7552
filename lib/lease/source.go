// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import "context"

// TaskSource produces work for agents.
type TaskSource interface {
	// Name identifies the source in leases and logs. It must be
	// stable across restarts.
	Name() string

	// Subscribe returns a listener for agent, or nil when the source
	// has no work the agent is eligible for.
	Subscribe(ctx context.Context, agent *Agent) (TaskListener, error)

	// AbortTask ends the source's side of a lease the server has
	// given up on. It must tolerate leases the source has already
	// seen complete.
	AbortTask(ctx context.Context, agent *Agent, leaseID string, payload []byte) error

	// Changed is closed when new work may have become available.
	Changed() <-chan struct{}
}

// ResultHandler is implemented by sources that act on lease results.
// It is called once per lease, after the result is recorded.
type ResultHandler interface {
	OnLeaseResult(ctx context.Context, lease *Lease)
}
