// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestControllerHysteresis(t *testing.T) {
	t.Parallel()

	var transitions []bool
	controller := NewController(100, 40, func(paused bool) { transitions = append(transitions, paused) })
	queue := NewQueue[int](QueueConfig{Capacity: 10, Controller: controller})

	for range 4 {
		queue.Offer(0, 30)
	}
	if !controller.Paused() {
		t.Fatalf("controller not paused at %d bytes", controller.Bytes())
	}

	waited := make(chan error, 1)
	go func() { waited <- controller.WaitAccepting(context.Background()) }()

	// 120 -> 90 -> 60: still above the low-water mark.
	for range 2 {
		queue.Next(context.Background())
	}
	if !controller.Paused() {
		t.Fatal("controller resumed above the low-water mark")
	}
	select {
	case <-waited:
		t.Fatal("WaitAccepting returned while paused")
	case <-time.After(10 * time.Millisecond):
	}

	queue.Next(context.Background())
	if controller.Paused() {
		t.Fatalf("controller still paused at %d bytes", controller.Bytes())
	}
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("WaitAccepting: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitAccepting did not return after resume")
	}
	if diff := cmp.Diff([]bool{true, false}, transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestControllerReleasesClosedQueues(t *testing.T) {
	t.Parallel()

	controller := NewController(0, 0, nil)
	queue := NewQueue[int](QueueConfig{Capacity: 4, Controller: controller, Policy: DropOldest})
	for range 6 {
		queue.Offer(0, 10)
	}
	if controller.Bytes() != 40 {
		t.Errorf("Bytes = %d after overflow, want 40", controller.Bytes())
	}
	queue.Close()
	if controller.Bytes() != 0 {
		t.Errorf("Bytes = %d after Close, want 0", controller.Bytes())
	}
	if controller.Paused() {
		t.Error("disabled controller paused")
	}
}

func TestControllerWaitHonorsContext(t *testing.T) {
	t.Parallel()

	controller := NewController(10, 0, nil)
	controller.add(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := controller.WaitAccepting(ctx); err == nil {
		t.Error("WaitAccepting returned nil with a canceled context while paused")
	}
}

func TestControllerRacingTransitionsReportInOrder(t *testing.T) {
	t.Parallel()

	var reported []bool
	controller := NewController(100, 0, func(paused bool) { reported = append(reported, paused) })

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				controller.add(100)
				controller.add(-100)
			}
		}()
	}
	wg.Wait()

	if controller.Paused() || controller.Bytes() != 0 {
		t.Fatalf("controller paused=%v bytes=%d after balanced updates", controller.Paused(), controller.Bytes())
	}
	if len(reported) == 0 {
		t.Fatal("no transitions reported")
	}
	for i, paused := range reported {
		if want := i%2 == 0; paused != want {
			t.Fatalf("report %d = %v, want %v (reports must alternate starting with a pause)", i, paused, want)
		}
	}
	if reported[len(reported)-1] {
		t.Error("last report is a pause but the controller is accepting")
	}
}
