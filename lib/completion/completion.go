// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package completion

import (
	"context"
	"sync"
)

// Completion holds the eventual outcome of an operation. The zero
// value is not usable; construct with New or Resolved.
type Completion[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns an unresolved Completion.
func New[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Resolved returns a Completion already holding value and err.
func Resolved[T any](value T, err error) *Completion[T] {
	c := New[T]()
	c.Resolve(value, err)
	return c
}

// Resolve records the outcome and runs registered callbacks on the
// calling goroutine. Only the first call has any effect; it returns
// true, later calls return false.
func (c *Completion[T]) Resolve(value T, err error) bool {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return false
	}
	c.resolved = true
	c.value = value
	c.err = err
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, callback := range callbacks {
		callback(value, err)
	}
	return true
}

// OnResolve registers fn to run with the outcome. If the Completion
// is already resolved fn runs immediately on the calling goroutine,
// otherwise it runs on the goroutine that calls Resolve.
func (c *Completion[T]) OnResolve(fn func(T, error)) {
	c.mu.Lock()
	if !c.resolved {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	value, err := c.value, c.err
	c.mu.Unlock()
	fn(value, err)
}

// Done returns a channel closed once the Completion is resolved.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the Completion is resolved or ctx ends. A
// context error is returned as-is and leaves the Completion pending.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
