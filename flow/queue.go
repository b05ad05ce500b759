// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"sync"
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Capacity is the maximum number of queued items. Must be positive.
	Capacity int

	// Policy applies when Offer finds the queue full.
	Policy Policy

	// ControlCapacity bounds the control lane that Put fills. Zero
	// means DefaultControlCapacity.
	ControlCapacity int

	// Controller, when set, is charged for the size of every queued
	// item.
	Controller *Controller

	// Signals enables Congested/Recovered entries in Next.
	Signals bool

	// OnDrop is called, outside the queue lock, for every dropped
	// item with the policy that was actually applied.
	OnDrop func(Policy)
}

// Entry is one result of Next: either an item or a signal.
type Entry[T any] struct {
	Item   T
	Signal *Signal
}

// DefaultControlCapacity is the control lane size when
// QueueConfig.ControlCapacity is zero.
const DefaultControlCapacity = 16

type slot[T any] struct {
	item T
	size int
}

// Queue is a bounded FIFO with an overflow policy, plus a separate
// control lane that the policy never touches. Next serves the control
// lane first. It is safe for concurrent use by any number of producers
// and one consumer.
type Queue[T any] struct {
	config QueueConfig

	mu       sync.Mutex
	control  []slot[T]
	ring     []slot[T]
	head     int
	count    int
	bytes    int64
	drops    uint64
	episode  uint64
	congest  bool
	signals  []Signal
	closed   bool
	draining bool
	// changed is closed and replaced whenever a waiter might be able
	// to make progress.
	changed chan struct{}
}

// NewQueue returns an empty queue. A Capacity below one is raised to
// one.
func NewQueue[T any](config QueueConfig) *Queue[T] {
	if config.Capacity < 1 {
		config.Capacity = 1
	}
	if config.ControlCapacity < 1 {
		config.ControlCapacity = DefaultControlCapacity
	}
	return &Queue[T]{
		config:  config,
		ring:    make([]slot[T], config.Capacity),
		changed: make(chan struct{}),
	}
}

// Offer enqueues item without waiting. When the queue is full the
// policy decides which item is dropped. Returns ErrQueueClosed once
// the queue is closed or draining.
func (q *Queue[T]) Offer(item T, size int) (Outcome, error) {
	q.mu.Lock()
	if q.closed || q.draining {
		q.mu.Unlock()
		return DroppedNewest, ErrQueueClosed
	}

	outcome := Enqueued
	var added, released int
	if q.count == len(q.ring) {
		if q.config.Policy == DropOldest {
			released = q.popLocked().size
			outcome = DroppedOldest
		} else {
			outcome = DroppedNewest
		}
		q.recordDropLocked()
	}
	if outcome != DroppedNewest {
		q.pushLocked(item, size)
		added = size
	}
	q.wakeLocked()
	q.mu.Unlock()

	q.charge(int64(added) - int64(released))
	if outcome != Enqueued && q.config.OnDrop != nil {
		effective := DropNewest
		if outcome == DroppedOldest {
			effective = DropOldest
		}
		q.config.OnDrop(effective)
	}
	return outcome, nil
}

// Put enqueues item on the control lane, waiting while the lane is
// full. Control items are never dropped by the overflow policy and
// are returned by Next ahead of signals and offered items. Returns
// ErrQueueClosed if the queue closes while waiting, or the context's
// error.
func (q *Queue[T]) Put(ctx context.Context, item T, size int) error {
	for {
		q.mu.Lock()
		if q.closed || q.draining {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.control) < q.config.ControlCapacity {
			q.control = append(q.control, slot[T]{item: item, size: size})
			q.bytes += int64(size)
			q.wakeLocked()
			q.mu.Unlock()
			q.charge(int64(size))
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next returns the next entry, waiting until one is available. Control
// items come first, then pending signals, then offered items. After
// Close, or once a draining queue is empty, Next returns
// ErrQueueClosed.
func (q *Queue[T]) Next(ctx context.Context) (Entry[T], error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Entry[T]{}, ErrQueueClosed
		}
		if len(q.control) > 0 {
			popped := q.control[0]
			q.control[0] = slot[T]{}
			q.control = q.control[1:]
			q.bytes -= int64(popped.size)
			q.wakeLocked()
			q.mu.Unlock()
			q.charge(-int64(popped.size))
			return Entry[T]{Item: popped.item}, nil
		}
		if len(q.signals) > 0 {
			signal := q.signals[0]
			q.signals = q.signals[1:]
			q.mu.Unlock()
			return Entry[T]{Signal: &signal}, nil
		}
		if q.count > 0 {
			popped := q.popLocked()
			if q.congest && q.count <= len(q.ring)/2 {
				q.congest = false
				q.raiseLocked(Signal{Kind: Recovered, Dropped: q.episode})
				q.episode = 0
			}
			q.wakeLocked()
			q.mu.Unlock()
			q.charge(-int64(popped.size))
			return Entry[T]{Item: popped.item}, nil
		}
		if q.draining {
			q.mu.Unlock()
			return Entry[T]{}, ErrQueueClosed
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Entry[T]{}, ctx.Err()
		}
	}
}

// Drain stops accepting items but lets Next return what is already
// queued. Blocked Puts fail with ErrQueueClosed.
func (q *Queue[T]) Drain() {
	q.mu.Lock()
	q.draining = true
	q.wakeLocked()
	q.mu.Unlock()
}

// Close discards every queued item and fails all current and future
// operations with ErrQueueClosed. Returns the number of items
// discarded.
func (q *Queue[T]) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	discarded := q.count + len(q.control)
	released := q.bytes
	var zero slot[T]
	for i := range q.ring {
		q.ring[i] = zero
	}
	q.head, q.count, q.bytes = 0, 0, 0
	q.control = nil
	q.signals = nil
	q.wakeLocked()
	q.mu.Unlock()

	q.charge(-released)
	return discarded
}

// Len returns the number of queued items in both lanes.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count + len(q.control)
}

// Capacity returns the configured capacity of the offered lane.
func (q *Queue[T]) Capacity() int { return len(q.ring) }

// Bytes returns the summed size of queued items.
func (q *Queue[T]) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Drops returns the total number of items dropped over the queue's
// lifetime.
func (q *Queue[T]) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

// Congested reports whether the queue is inside a congestion episode.
func (q *Queue[T]) Congested() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.congest
}

func (q *Queue[T]) pushLocked(item T, size int) {
	q.ring[(q.head+q.count)%len(q.ring)] = slot[T]{item: item, size: size}
	q.count++
	q.bytes += int64(size)
}

func (q *Queue[T]) popLocked() slot[T] {
	popped := q.ring[q.head]
	q.ring[q.head] = slot[T]{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.bytes -= int64(popped.size)
	return popped
}

func (q *Queue[T]) recordDropLocked() {
	q.drops++
	q.episode++
	if !q.congest {
		q.congest = true
		q.raiseLocked(Signal{Kind: Congested, Dropped: q.episode})
		return
	}
	// Keep the undelivered Congested signal current.
	for i := range q.signals {
		if q.signals[i].Kind == Congested {
			q.signals[i].Dropped = q.episode
		}
	}
}

func (q *Queue[T]) raiseLocked(signal Signal) {
	if !q.config.Signals {
		return
	}
	q.signals = append(q.signals, signal)
}

func (q *Queue[T]) wakeLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) charge(delta int64) {
	if q.config.Controller != nil && delta != 0 {
		q.config.Controller.add(delta)
	}
}
