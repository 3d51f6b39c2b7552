// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"sync"

	"github.com/samber/mo"
)

// TaskListener is one agent's subscription to one TaskSource.
//
// Offer delivers exactly one value: a lease the source is holding for
// this agent, or None when the source has nothing after all (another
// agent took the work first). The holder accepts at most one offer and
// must Close every listener it obtained. Closing a listener whose offer
// was not accepted is the signal that returns the work to the source.
type TaskListener interface {
	Offer() <-chan mo.Option[*NewLeaseInfo]
	Accept() error
	Close() error
}

// SubscriptionState is the position of a Subscription in its state
// machine: Waiting until the source resolves it, then Offered, then
// exactly one of Accepted, Declined or Disposed.
type SubscriptionState uint8

const (
	StateWaiting SubscriptionState = iota
	StateOffered
	StateAccepted
	StateDeclined
	StateDisposed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateOffered:
		return "offered"
	case StateAccepted:
		return "accepted"
	case StateDeclined:
		return "declined"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// SubscriptionHooks are the source's side of a Subscription.
type SubscriptionHooks struct {
	// Accept commits the offered work to the agent. An error leaves
	// the subscription Offered, so Close still releases the work.
	Accept func(info *NewLeaseInfo) error

	// Release returns work that was offered but not accepted. It is
	// called at most once, from Close.
	Release func(info *NewLeaseInfo)

	// Cancel is called from Close when the subscription was never
	// resolved, so the source can drop its waiter.
	Cancel func()
}

// Subscription is the TaskListener implementation shared by sources.
type Subscription struct {
	hooks SubscriptionHooks
	offer chan mo.Option[*NewLeaseInfo]

	mu    sync.Mutex
	state SubscriptionState
	info  *NewLeaseInfo
}

// NewSubscription returns a Waiting subscription.
func NewSubscription(hooks SubscriptionHooks) *Subscription {
	return &Subscription{
		hooks: hooks,
		offer: make(chan mo.Option[*NewLeaseInfo], 1),
	}
}

// Resolve delivers the subscription's single offer. It reports false
// when the subscription was already resolved or disposed, in which case
// the caller still owns info.
func (s *Subscription) Resolve(info mo.Option[*NewLeaseInfo]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaiting {
		return false
	}
	if value, ok := info.Get(); ok {
		s.state = StateOffered
		s.info = value
	} else {
		s.state = StateDeclined
	}
	s.offer <- info
	return true
}

func (s *Subscription) Offer() <-chan mo.Option[*NewLeaseInfo] { return s.offer }

func (s *Subscription) Accept() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOffered {
		return ErrNotAccepted
	}
	if s.hooks.Accept != nil {
		if err := s.hooks.Accept(s.info); err != nil {
			return err
		}
	}
	s.state = StateAccepted
	return nil
}

// Close disposes the subscription. Closing twice, or after Accept or a
// None offer, does nothing.
func (s *Subscription) Close() error {
	s.mu.Lock()
	previous := s.state
	info := s.info
	if previous == StateWaiting || previous == StateOffered {
		s.state = StateDisposed
	}
	s.mu.Unlock()

	switch previous {
	case StateWaiting:
		if s.hooks.Cancel != nil {
			s.hooks.Cancel()
		}
	case StateOffered:
		if s.hooks.Release != nil {
			s.hooks.Release(info)
		}
	}
	return nil
}

// State returns the current state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
