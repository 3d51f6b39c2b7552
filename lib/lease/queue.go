// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/mo"
)

// Item is one unit of work in a Queue.
type Item[T any] struct {
	ID       string
	Value    T
	Priority int
	Enqueued time.Time

	seq uint64
}

// Policy orders eligible items: Less reports whether a should be
// offered before b.
type Policy[T any] interface {
	Less(a, b *Item[T]) bool
}

// PriorityFIFO offers higher priorities first and, within a priority,
// the item enqueued first.
type PriorityFIFO[T any] struct{}

func (PriorityFIFO[T]) Less(a, b *Item[T]) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// OfferFunc turns a reserved item into the lease offered to agent.
type OfferFunc[T any] func(agent *Agent, item *Item[T]) (*NewLeaseInfo, error)

// AcceptFunc records that an offered item was accepted. An error fails
// the acceptance and the item is dropped.
type AcceptFunc[T any] func(item *Item[T], info *NewLeaseInfo) error

// Queue is the reservation queue behind the concrete task sources.
//
// An item is pending, reserved (offered to one subscriber) or gone
// (accepted, after which the source tracks it by lease). A reserved
// item can be withdrawn: its offer can no longer be accepted and it is
// dropped instead of returning to pending when released. Subscribe
// reserves the best eligible pending item. When nothing eligible is
// pending but an eligible item is reserved by another subscriber, the
// new subscriber waits: it gets the item if the reservation is
// released, and None once no eligible item remains.
type Queue[T any] struct {
	policy Policy[T]
	notify *Notifier

	mu        sync.Mutex
	nextSeq   uint64
	pending   map[string]*Item[T]
	reserved  map[string]*Item[T]
	withdrawn map[string]struct{}
	waiters   []*queueWaiter[T]
}

type queueWaiter[T any] struct {
	agent        *Agent
	eligible     func(T) bool
	offer        OfferFunc[T]
	subscription *Subscription

	// itemID is the reserved item once the waiter has been served.
	itemID string
}

// NewQueue returns an empty queue. A nil policy means PriorityFIFO.
func NewQueue[T any](policy Policy[T]) *Queue[T] {
	if policy == nil {
		policy = PriorityFIFO[T]{}
	}
	return &Queue[T]{
		policy:    policy,
		notify:    NewNotifier(),
		pending:   make(map[string]*Item[T]),
		reserved:  make(map[string]*Item[T]),
		withdrawn: make(map[string]struct{}),
	}
}

// Changed is closed whenever new work is enqueued or released.
func (q *Queue[T]) Changed() <-chan struct{} { return q.notify.Changed() }

// Enqueue adds an item. Waiting subscribers are served first.
func (q *Queue[T]) Enqueue(id string, value T, priority int, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.pending[id]; exists {
		return fmt.Errorf("queue item %q already pending", id)
	}
	if _, exists := q.reserved[id]; exists {
		return fmt.Errorf("queue item %q already reserved", id)
	}
	q.nextSeq++
	item := &Item[T]{ID: id, Value: value, Priority: priority, Enqueued: now, seq: q.nextSeq}
	q.pending[id] = item
	q.serveWaitersLocked()
	q.notify.Broadcast()
	return nil
}

// Remove drops a pending item. A reserved item cannot be removed; the
// second result reports whether the item was reserved at the time.
func (q *Queue[T]) Remove(id string) (removed, reserved bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; ok {
		delete(q.pending, id)
		return true, false
	}
	_, reserved = q.reserved[id]
	return false, reserved
}

// Withdraw drops a pending item, or marks a reserved one so that it
// is never leased. It reports whether id was pending or reserved.
func (q *Queue[T]) Withdraw(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; ok {
		delete(q.pending, id)
		return true
	}
	if _, ok := q.reserved[id]; ok {
		q.withdrawn[id] = struct{}{}
		q.serveWaitersLocked()
		return true
	}
	return false
}

// Len returns the number of pending and reserved items.
func (q *Queue[T]) Len() (pending, reserved int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.reserved)
}

// Pending returns a snapshot of the pending items in offer order.
func (q *Queue[T]) Pending() []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Item[T], 0, len(q.pending))
	for _, item := range q.pending {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		return q.policy.Less(&items[i], &items[j])
	})
	return items
}

// Subscribe returns a listener for agent, or nil when no pending or
// reserved item is eligible. offer builds the lease for a reserved
// item; accept, if non-nil, runs when the agent accepts it.
func (q *Queue[T]) Subscribe(agent *Agent, eligible func(T) bool, offer OfferFunc[T], accept AcceptFunc[T]) (TaskListener, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiter := &queueWaiter[T]{agent: agent, eligible: eligible, offer: offer}
	waiter.subscription = NewSubscription(q.hooks(waiter, accept))

	if item := q.bestLocked(eligible); item != nil {
		if err := q.offerLocked(waiter, item); err != nil {
			return nil, err
		}
		return waiter.subscription, nil
	}
	if !q.anyReservedLocked(eligible) {
		return nil, nil
	}
	q.waiters = append(q.waiters, waiter)
	return waiter.subscription, nil
}

func (q *Queue[T]) hooks(waiter *queueWaiter[T], accept AcceptFunc[T]) SubscriptionHooks {
	return SubscriptionHooks{
		Accept: func(info *NewLeaseInfo) error {
			q.mu.Lock()
			item, ok := q.reserved[waiter.itemID]
			if !ok {
				q.mu.Unlock()
				return fmt.Errorf("queue item %q is no longer reserved", waiter.itemID)
			}
			delete(q.reserved, item.ID)
			_, withdrawn := q.withdrawn[item.ID]
			delete(q.withdrawn, item.ID)
			// The item is gone for good: waiters that could only have
			// had this one learn there is nothing left for them.
			q.serveWaitersLocked()
			q.mu.Unlock()
			if withdrawn {
				return fmt.Errorf("queue item %q was withdrawn", item.ID)
			}
			if accept != nil {
				return accept(item, info)
			}
			return nil
		},
		Release: func(*NewLeaseInfo) {
			q.mu.Lock()
			defer q.mu.Unlock()
			item, ok := q.reserved[waiter.itemID]
			if !ok {
				return
			}
			delete(q.reserved, item.ID)
			if _, withdrawn := q.withdrawn[item.ID]; withdrawn {
				delete(q.withdrawn, item.ID)
				q.serveWaitersLocked()
				return
			}
			q.pending[item.ID] = item
			q.serveWaitersLocked()
			q.notify.Broadcast()
		},
		Cancel: func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.removeWaiterLocked(waiter)
		},
	}
}

func (q *Queue[T]) offerLocked(waiter *queueWaiter[T], item *Item[T]) error {
	info, err := waiter.offer(waiter.agent, item)
	if err != nil {
		return fmt.Errorf("building offer for %q: %w", item.ID, err)
	}
	delete(q.pending, item.ID)
	q.reserved[item.ID] = item
	waiter.itemID = item.ID
	if !waiter.subscription.Resolve(mo.Some(info)) {
		// Disposed while we held the lock: put the item back.
		delete(q.reserved, item.ID)
		q.pending[item.ID] = item
	}
	return nil
}

// serveWaitersLocked hands pending items to waiting subscribers and
// resolves to None every waiter with no eligible item left.
func (q *Queue[T]) serveWaitersLocked() {
	remaining := q.waiters[:0]
	for _, waiter := range q.waiters {
		if waiter.subscription.State() != StateWaiting {
			continue
		}
		if item := q.bestLocked(waiter.eligible); item != nil {
			if err := q.offerLocked(waiter, item); err != nil {
				waiter.subscription.Resolve(mo.None[*NewLeaseInfo]())
			}
			continue
		}
		if !q.anyReservedLocked(waiter.eligible) {
			waiter.subscription.Resolve(mo.None[*NewLeaseInfo]())
			continue
		}
		remaining = append(remaining, waiter)
	}
	clear(q.waiters[len(remaining):])
	q.waiters = remaining
}

func (q *Queue[T]) removeWaiterLocked(target *queueWaiter[T]) {
	for i, waiter := range q.waiters {
		if waiter == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

func (q *Queue[T]) bestLocked(eligible func(T) bool) *Item[T] {
	var best *Item[T]
	for _, item := range q.pending {
		if eligible != nil && !eligible(item.Value) {
			continue
		}
		if best == nil || q.policy.Less(item, best) {
			best = item
		}
	}
	return best
}

func (q *Queue[T]) anyReservedLocked(eligible func(T) bool) bool {
	for id, item := range q.reserved {
		if _, gone := q.withdrawn[id]; gone {
			continue
		}
		if eligible == nil || eligible(item.Value) {
			return true
		}
	}
	return false
}
