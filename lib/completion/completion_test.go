// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package completion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolveOnlyOnce(t *testing.T) {
	c := New[int]()
	if !c.Resolve(1, nil) {
		t.Fatal("first Resolve returned false")
	}
	if c.Resolve(2, errors.New("late")) {
		t.Fatal("second Resolve returned true")
	}
	value, err := c.Wait(context.Background())
	if value != 1 || err != nil {
		t.Errorf("Wait = (%d, %v), want (1, nil)", value, err)
	}
}

func TestConcurrentResolveRunsCallbackOnce(t *testing.T) {
	c := New[int]()
	var calls atomic.Int32
	c.OnResolve(func(int, error) { calls.Add(1) })

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Resolve(i, nil) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("%d Resolve calls won, want 1", winners.Load())
	}
	if calls.Load() != 1 {
		t.Errorf("callback ran %d times, want 1", calls.Load())
	}
}

func TestOnResolveAfterResolutionRunsImmediately(t *testing.T) {
	sentinel := errors.New("adapter down")
	c := Resolved("", sentinel)

	var got error
	c.OnResolve(func(_ string, err error) { got = err })
	if !errors.Is(got, sentinel) {
		t.Errorf("callback err = %v, want %v", got, sentinel)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed for resolved completion")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want DeadlineExceeded", err)
	}
	if !c.Resolve(5, nil) {
		t.Error("completion resolved by context expiry")
	}
}
