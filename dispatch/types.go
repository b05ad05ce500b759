// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/lib/completion"
)

// PluginIdentity names a plugin. It is claimed in the handshake,
// checked against the configured plugin table, and fixed for the
// lifetime of a session.
type PluginIdentity string

const maxIdentityLength = 128

// Validate checks the identity syntax: 1-128 characters from
// [A-Za-z0-9._-].
func (id PluginIdentity) Validate() error {
	if len(id) == 0 {
		return fmt.Errorf("plugin identity is empty")
	}
	if len(id) > maxIdentityLength {
		return fmt.Errorf("plugin identity is %d characters, maximum %d", len(id), maxIdentityLength)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("plugin identity contains invalid character %q at offset %d", c, i)
		}
	}
	return nil
}

// Event is a platform event accepted by the core. Events are immutable
// once published and shared read-only by every delivery.
type Event struct {
	Category capability.Category
	Payload  []byte
	Origin   string
	// Sequence increases strictly per Origin.
	Sequence  uint64
	Timestamp time.Time
}

// Action is a request issued by a plugin for the platform to perform.
type Action struct {
	Category capability.Category
	Payload  []byte
	Identity PluginIdentity
	// Sequence increases strictly per session.
	Sequence uint64
}

// Subscription is the set of event categories an identity wants.
type Subscription struct {
	Identity   PluginIdentity
	Categories capability.Set
}

// Receipt is the platform's acknowledgment of a performed action.
type Receipt struct {
	// Reference identifies the effect on the platform (a message id,
	// for example). May be empty.
	Reference string
}

// PlatformAdapter performs plugin actions on the chat platform.
// SubmitAction must not block: it returns a completion that the
// adapter resolves exactly once, with an *AdapterError on failure.
type PlatformAdapter interface {
	SubmitAction(ctx context.Context, action Action) *completion.Completion[Receipt]
}

// SubscriptionOp is the kind of a persisted subscription change.
type SubscriptionOp uint8

const (
	SubscriptionAdded SubscriptionOp = iota + 1
	SubscriptionRemoved
)

func (op SubscriptionOp) String() string {
	switch op {
	case SubscriptionAdded:
		return "subscribe"
	case SubscriptionRemoved:
		return "unsubscribe"
	default:
		return fmt.Sprintf("subscription_op(%d)", uint8(op))
	}
}

// SubscriptionStore persists subscriptions across core restarts and
// plugin reconnects, and keeps an audit trail of undeliverable events.
// The core never calls it while holding its own locks.
type SubscriptionStore interface {
	LoadSubscriptions(ctx context.Context) ([]Subscription, error)
	PersistSubscriptionChange(ctx context.Context, identity PluginIdentity, category capability.Category, op SubscriptionOp) error
	RecordDeliveryFailure(ctx context.Context, event Event, identity PluginIdentity) error
}
