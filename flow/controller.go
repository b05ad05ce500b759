// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"sync"
)

// Controller tracks bytes queued across all sessions and applies a
// global watermark with hysteresis: acceptance pauses when the total
// reaches highWater and resumes once it falls to lowWater.
type Controller struct {
	highWater int64
	lowWater  int64
	onChange  func(paused bool)

	mu      sync.Mutex
	bytes   int64
	paused  bool
	resumed chan struct{}

	// notifyMu serializes onChange; reported is the state it last saw.
	notifyMu sync.Mutex
	reported bool
}

// NewController returns a controller. A highWater of zero or less
// disables pausing. A lowWater outside [0, highWater) is clamped to
// half of highWater. onChange, when set, is called outside the lock on
// pause and resume transitions. Calls never overlap, always alternate
// and end on the controller's current state.
func NewController(highWater, lowWater int64, onChange func(paused bool)) *Controller {
	if highWater > 0 && (lowWater < 0 || lowWater >= highWater) {
		lowWater = highWater / 2
	}
	return &Controller{
		highWater: highWater,
		lowWater:  lowWater,
		onChange:  onChange,
		resumed:   make(chan struct{}),
	}
}

func (c *Controller) add(delta int64) {
	c.mu.Lock()
	c.bytes += delta
	transition := false
	switch {
	case c.highWater <= 0:
	case !c.paused && c.bytes >= c.highWater:
		c.paused = true
		transition = true
	case c.paused && c.bytes <= c.lowWater:
		c.paused = false
		transition = true
		close(c.resumed)
		c.resumed = make(chan struct{})
	}
	c.mu.Unlock()

	if transition && c.onChange != nil {
		c.notify()
	}
}

// notify reports the state as of now rather than as of the transition
// that triggered it, skipping a state already reported.
func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	paused := c.Paused()
	if paused == c.reported {
		return
	}
	c.reported = paused
	c.onChange(paused)
}

// Bytes returns the total queued bytes.
func (c *Controller) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Paused reports whether acceptance is paused.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// WaitAccepting returns immediately when acceptance is not paused, and
// otherwise waits for the low-water mark or the context's end.
func (c *Controller) WaitAccepting(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.paused {
			c.mu.Unlock()
			return nil
		}
		resumed := c.resumed
		c.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
