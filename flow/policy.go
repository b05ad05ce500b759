// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"errors"
	"fmt"
)

// Policy selects what Offer does when a queue is full.
type Policy uint8

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest Policy = iota
	// DropNewest discards the offered item.
	DropNewest
	// Block makes Put wait for space. Offer never waits, so for
	// Offer it behaves like DropNewest.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses a policy name as written in configuration.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	case "block":
		return Block, nil
	default:
		return 0, fmt.Errorf("unknown congestion drop policy %q (want drop_oldest, drop_newest or block)", name)
	}
}

// ErrQueueClosed is returned by queue operations after Close, and by
// Next once a draining queue is empty.
var ErrQueueClosed = errors.New("flow: queue closed")

// Outcome describes what Offer did.
type Outcome uint8

const (
	// Enqueued means the item was queued and nothing was dropped.
	Enqueued Outcome = iota
	// DroppedOldest means the item was queued after evicting the head.
	DroppedOldest
	// DroppedNewest means the offered item was discarded.
	DroppedNewest
)

func (o Outcome) String() string {
	switch o {
	case Enqueued:
		return "enqueued"
	case DroppedOldest:
		return "dropped_oldest"
	case DroppedNewest:
		return "dropped_newest"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Delivered reports whether the offered item is in the queue.
func (o Outcome) Delivered() bool { return o != DroppedNewest }

// SignalKind identifies a queue condition reported to the consumer.
type SignalKind uint8

const (
	// Congested is raised on the first drop of a congestion episode.
	Congested SignalKind = iota + 1
	// Recovered is raised when a congested queue drains to half
	// capacity or below.
	Recovered
)

func (k SignalKind) String() string {
	switch k {
	case Congested:
		return "congested"
	case Recovered:
		return "recovered"
	default:
		return fmt.Sprintf("signal(%d)", uint8(k))
	}
}

// Signal is a queue condition report. Dropped is the number of items
// dropped in the episode so far.
type Signal struct {
	Kind    SignalKind
	Dropped uint64
}
