// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestSameKeyRunsInSubmissionOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := New(4, 16, nil)
	var mu sync.Mutex
	got := map[string][]int{}

	keys := []string{"origin-a", "origin-b", "origin-c"}
	for i := range 100 {
		for _, key := range keys {
			if err := pool.Submit(context.Background(), key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	pool.Close()

	for _, key := range keys {
		if len(got[key]) != 100 {
			t.Fatalf("%s: ran %d tasks, want 100", key, len(got[key]))
		}
		for index, value := range got[key] {
			if value != index {
				t.Fatalf("%s: position %d ran task %d", key, index, value)
			}
		}
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := New(1, 4, nil)
	done := make(chan struct{})
	if err := pool.Submit(context.Background(), "k", func() { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := pool.Submit(context.Background(), "k", func() { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task after panic never ran")
	}
	pool.Close()
}

func TestSubmitAfterClose(t *testing.T) {
	pool := New(2, 1, nil)
	pool.Close()
	pool.Close()

	if err := pool.Submit(context.Background(), "k", func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
	if pool.TrySubmit("k", func() {}) {
		t.Error("TrySubmit after Close returned true")
	}
}

func TestSubmitRespectsContextWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := New(1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(context.Background(), "k", func() {
		close(started)
		<-release
	})
	<-started
	// Fill the single queue slot.
	if !pool.TrySubmit("k", func() {}) {
		t.Fatal("TrySubmit into empty queue failed")
	}
	if pool.TrySubmit("k", func() {}) {
		t.Fatal("TrySubmit into full queue succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, "k", func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit into full queue = %v, want DeadlineExceeded", err)
	}

	close(release)
	pool.Close()
}
