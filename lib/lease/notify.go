// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import "sync"

// Notifier is a broadcast edge: Changed returns a channel that is
// closed by the next Broadcast. Take the channel before checking state,
// then wait on it, and no change is missed.
type Notifier struct {
	mu      sync.Mutex
	changed chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{changed: make(chan struct{})}
}

func (n *Notifier) Changed() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changed
}

func (n *Notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.changed)
	n.changed = make(chan struct{})
}
