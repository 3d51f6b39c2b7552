// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"errors"
	"testing"

	"github.com/samber/mo"
)

type hookCalls struct {
	accepted, released, cancelled int
	acceptErr                     error
}

func (c *hookCalls) hooks() SubscriptionHooks {
	return SubscriptionHooks{
		Accept: func(*NewLeaseInfo) error {
			if c.acceptErr != nil {
				return c.acceptErr
			}
			c.accepted++
			return nil
		},
		Release: func(*NewLeaseInfo) { c.released++ },
		Cancel:  func() { c.cancelled++ },
	}
}

func testInfo(id string) *NewLeaseInfo {
	return &NewLeaseInfo{Lease: &Lease{ID: id}}
}

func TestSubscriptionAcceptThenClose(t *testing.T) {
	calls := &hookCalls{}
	subscription := NewSubscription(calls.hooks())

	if !subscription.Resolve(mo.Some(testInfo("lease-1"))) {
		t.Fatal("Resolve on a waiting subscription failed")
	}
	offer := <-subscription.Offer()
	if info, ok := offer.Get(); !ok || info.Lease.ID != "lease-1" {
		t.Fatalf("offer = %v", offer)
	}
	if err := subscription.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	subscription.Close()
	subscription.Close()

	if subscription.State() != StateAccepted {
		t.Errorf("state = %s, want accepted", subscription.State())
	}
	if calls.accepted != 1 || calls.released != 0 || calls.cancelled != 0 {
		t.Errorf("hook calls = %+v", calls)
	}
}

func TestSubscriptionCloseReleasesOffer(t *testing.T) {
	calls := &hookCalls{}
	subscription := NewSubscription(calls.hooks())
	subscription.Resolve(mo.Some(testInfo("lease-1")))

	subscription.Close()
	subscription.Close()

	if subscription.State() != StateDisposed {
		t.Errorf("state = %s, want disposed", subscription.State())
	}
	if calls.released != 1 {
		t.Errorf("released %d times, want 1", calls.released)
	}
	if err := subscription.Accept(); !errors.Is(err, ErrNotAccepted) {
		t.Errorf("Accept after Close = %v, want ErrNotAccepted", err)
	}
}

func TestSubscriptionCloseWhileWaitingCancels(t *testing.T) {
	calls := &hookCalls{}
	subscription := NewSubscription(calls.hooks())
	subscription.Close()

	if calls.cancelled != 1 || calls.released != 0 {
		t.Errorf("hook calls = %+v", calls)
	}
	if subscription.Resolve(mo.Some(testInfo("late"))) {
		t.Error("Resolve after Close reported success")
	}
}

func TestSubscriptionDeclined(t *testing.T) {
	calls := &hookCalls{}
	subscription := NewSubscription(calls.hooks())
	subscription.Resolve(mo.None[*NewLeaseInfo]())

	if offer := <-subscription.Offer(); offer.IsPresent() {
		t.Error("declined subscription offered a lease")
	}
	if err := subscription.Accept(); !errors.Is(err, ErrNotAccepted) {
		t.Errorf("Accept on declined = %v, want ErrNotAccepted", err)
	}
	subscription.Close()
	if subscription.State() != StateDeclined || calls.released != 0 {
		t.Errorf("state = %s, calls = %+v", subscription.State(), calls)
	}
	if subscription.Resolve(mo.Some(testInfo("again"))) {
		t.Error("second Resolve reported success")
	}
}

func TestSubscriptionAcceptFailureKeepsOffer(t *testing.T) {
	calls := &hookCalls{acceptErr: errors.New("gone")}
	subscription := NewSubscription(calls.hooks())
	subscription.Resolve(mo.Some(testInfo("lease-1")))

	if err := subscription.Accept(); err == nil {
		t.Fatal("expected accept error")
	}
	if subscription.State() != StateOffered {
		t.Errorf("state = %s, want offered", subscription.State())
	}
	subscription.Close()
	if calls.released != 1 {
		t.Errorf("failed accept was not released on close")
	}
}
