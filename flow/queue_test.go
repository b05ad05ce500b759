// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func drain[T any](t *testing.T, queue *Queue[T]) []T {
	t.Helper()
	var items []T
	for queue.Len() > 0 {
		entry, err := queue.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if entry.Signal == nil {
			items = append(items, entry.Item)
		}
	}
	return items
}

func TestOfferDropOldest(t *testing.T) {
	t.Parallel()

	var dropped []Policy
	queue := NewQueue[string](QueueConfig{
		Capacity: 2,
		Policy:   DropOldest,
		OnDrop:   func(policy Policy) { dropped = append(dropped, policy) },
	})
	for _, item := range []string{"E1", "E2"} {
		if outcome, err := queue.Offer(item, 1); err != nil || outcome != Enqueued {
			t.Fatalf("Offer(%s) = %s, %v", item, outcome, err)
		}
	}
	outcome, err := queue.Offer("E3", 1)
	if err != nil {
		t.Fatalf("Offer(E3): %v", err)
	}
	if outcome != DroppedOldest || !outcome.Delivered() {
		t.Errorf("Offer(E3) = %s, want dropped_oldest", outcome)
	}
	if queue.Drops() != 1 {
		t.Errorf("Drops = %d, want 1", queue.Drops())
	}
	if diff := cmp.Diff([]Policy{DropOldest}, dropped); diff != "" {
		t.Errorf("OnDrop calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"E2", "E3"}, drain(t, queue)); diff != "" {
		t.Errorf("queue contents mismatch (-want +got):\n%s", diff)
	}
}

func TestOfferDropNewestAndBlock(t *testing.T) {
	t.Parallel()

	for _, policy := range []Policy{DropNewest, Block} {
		t.Run(policy.String(), func(t *testing.T) {
			queue := NewQueue[string](QueueConfig{Capacity: 2, Policy: policy})
			queue.Offer("E1", 1)
			queue.Offer("E2", 1)
			outcome, err := queue.Offer("E3", 1)
			if err != nil {
				t.Fatalf("Offer: %v", err)
			}
			if outcome != DroppedNewest || outcome.Delivered() {
				t.Errorf("Offer = %s, want dropped_newest", outcome)
			}
			if diff := cmp.Diff([]string{"E1", "E2"}, drain(t, queue)); diff != "" {
				t.Errorf("queue contents mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPutWaitsForSpace(t *testing.T) {
	t.Parallel()

	queue := NewQueue[int](QueueConfig{Capacity: 1, Policy: DropOldest, ControlCapacity: 1})
	if err := queue.Put(context.Background(), 1, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- queue.Put(context.Background(), 2, 1) }()

	select {
	case err := <-done:
		t.Fatalf("Put on a full queue returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	entry, err := queue.Next(context.Background())
	if err != nil || entry.Item != 1 {
		t.Fatalf("Next = %+v, %v", entry, err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Put did not complete after space was freed")
	}
	if queue.Drops() != 0 {
		t.Errorf("Put dropped %d items", queue.Drops())
	}
}

func TestPutHonorsContextAndClose(t *testing.T) {
	t.Parallel()

	queue := NewQueue[int](QueueConfig{Capacity: 1, ControlCapacity: 1})
	queue.Offer(1, 1)
	if err := queue.Put(context.Background(), 10, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := queue.Put(ctx, 2, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Put with canceled context = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- queue.Put(context.Background(), 3, 1) }()
	time.Sleep(10 * time.Millisecond)
	if discarded := queue.Close(); discarded != 2 {
		t.Errorf("Close discarded %d, want 2", discarded)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("blocked Put after Close = %v, want ErrQueueClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not release the blocked Put")
	}
	if _, err := queue.Offer(4, 1); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Offer after Close = %v", err)
	}
	if _, err := queue.Next(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Next after Close = %v", err)
	}
}

func TestControlLaneSurvivesOverflow(t *testing.T) {
	t.Parallel()

	controller := NewController(1<<20, 0, nil)
	queue := NewQueue[string](QueueConfig{
		Capacity:   2,
		Policy:     DropOldest,
		Controller: controller,
		Signals:    true,
	})
	if err := queue.Put(context.Background(), "result", 5); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for _, item := range []string{"E1", "E2", "E3", "E4"} {
		if _, err := queue.Offer(item, 1); err != nil {
			t.Fatalf("Offer(%s): %v", item, err)
		}
	}
	if queue.Drops() != 2 {
		t.Errorf("Drops = %d, want 2", queue.Drops())
	}
	if queue.Len() != 3 || queue.Bytes() != 7 || controller.Bytes() != 7 {
		t.Errorf("Len, Bytes, controller = %d, %d, %d; want 3, 7, 7", queue.Len(), queue.Bytes(), controller.Bytes())
	}

	entry, err := queue.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if entry.Signal != nil || entry.Item != "result" {
		t.Fatalf("first entry = %+v, want the control item", entry)
	}
	if diff := cmp.Diff([]string{"E3", "E4"}, drain(t, queue)); diff != "" {
		t.Errorf("offered items mismatch (-want +got):\n%s", diff)
	}
	if controller.Bytes() != 0 {
		t.Errorf("controller bytes after drain = %d, want 0", controller.Bytes())
	}
}

func TestCongestionSignals(t *testing.T) {
	t.Parallel()

	queue := NewQueue[int](QueueConfig{Capacity: 4, Policy: DropOldest, Signals: true})
	for i := range 6 {
		queue.Offer(i, 1)
	}
	if !queue.Congested() {
		t.Fatal("queue is not congested after drops")
	}

	entry, err := queue.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if entry.Signal == nil || entry.Signal.Kind != Congested || entry.Signal.Dropped != 2 {
		t.Fatalf("first entry = %+v, want Congested with 2 drops", entry)
	}

	var items []int
	var recovered *Signal
	for recovered == nil {
		entry, err := queue.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if entry.Signal != nil {
			recovered = entry.Signal
			continue
		}
		items = append(items, entry.Item)
	}
	// Recovered fires once the length is at most half of 4.
	if diff := cmp.Diff([]int{2, 3}, items); diff != "" {
		t.Errorf("items before Recovered mismatch (-want +got):\n%s", diff)
	}
	if recovered.Kind != Recovered || recovered.Dropped != 2 {
		t.Errorf("signal = %+v, want Recovered with 2 drops", recovered)
	}
	if queue.Congested() {
		t.Error("queue still congested after Recovered")
	}
}

func TestSignalsDisabled(t *testing.T) {
	t.Parallel()

	queue := NewQueue[int](QueueConfig{Capacity: 1, Policy: DropNewest})
	queue.Offer(1, 1)
	queue.Offer(2, 1)
	entry, err := queue.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if entry.Signal != nil {
		t.Errorf("got signal %+v with signals disabled", entry.Signal)
	}
}

func TestDrainDeliversQueuedItems(t *testing.T) {
	t.Parallel()

	queue := NewQueue[int](QueueConfig{Capacity: 4})
	queue.Offer(1, 1)
	queue.Offer(2, 1)
	queue.Drain()

	if _, err := queue.Offer(3, 1); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Offer while draining = %v, want ErrQueueClosed", err)
	}
	for want := 1; want <= 2; want++ {
		entry, err := queue.Next(context.Background())
		if err != nil || entry.Item != want {
			t.Fatalf("Next = %+v, %v; want %d", entry, err, want)
		}
	}
	if _, err := queue.Next(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Next on drained queue = %v, want ErrQueueClosed", err)
	}
}

func TestNextHonorsContext(t *testing.T) {
	t.Parallel()

	queue := NewQueue[int](QueueConfig{Capacity: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := queue.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next on empty queue = %v, want deadline exceeded", err)
	}
}
