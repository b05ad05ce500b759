// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/flow"
	"github.com/bureau-foundation/maibot/lib/completion"
	"github.com/bureau-foundation/maibot/wire"
)

// fakeAdapter records submitted actions. By default every action
// succeeds with reference "ref-<sequence>".
type fakeAdapter struct {
	mu      sync.Mutex
	actions []Action
	respond func(Action) *completion.Completion[Receipt]
}

func (a *fakeAdapter) SubmitAction(_ context.Context, action Action) *completion.Completion[Receipt] {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	respond := a.respond
	a.mu.Unlock()
	if respond != nil {
		return respond(action)
	}
	return completion.Resolved(Receipt{Reference: fmt.Sprintf("ref-%d", action.Sequence)}, nil)
}

func (a *fakeAdapter) submitted() []Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Action(nil), a.actions...)
}

type deliveryFailure struct {
	identity PluginIdentity
	origin   string
	sequence uint64
}

// recordingStore is an in-memory SubscriptionStore that records calls.
type recordingStore struct {
	mu       sync.Mutex
	initial  []Subscription
	changes  []string
	failures []deliveryFailure
}

func (s *recordingStore) LoadSubscriptions(context.Context) ([]Subscription, error) {
	return s.initial, nil
}

func (s *recordingStore) PersistSubscriptionChange(_ context.Context, identity PluginIdentity, category capability.Category, op SubscriptionOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, fmt.Sprintf("%s %s %s", op, identity, category))
	return nil
}

func (s *recordingStore) RecordDeliveryFailure(_ context.Context, event Event, identity PluginIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, deliveryFailure{identity: identity, origin: event.Origin, sequence: event.Sequence})
	return nil
}

func (s *recordingStore) recordedFailures() []deliveryFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deliveryFailure(nil), s.failures...)
}

func (s *recordingStore) recordedChanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.changes...)
}

// stubHandler answers a running session's callbacks without a Core.
type stubHandler struct {
	registry *Registry
}

func (h *stubHandler) subscribe(context.Context, *Session, []string) wire.SubscriptionAck {
	return wire.SubscriptionAck{}
}

func (h *stubHandler) unsubscribe(context.Context, *Session, []string) wire.SubscriptionAck {
	return wire.SubscriptionAck{}
}

func (h *stubHandler) dispatch(_ context.Context, _ *Session, action Action) *completion.Completion[wire.ActionResult] {
	return completion.Resolved(wire.ActionResult{Sequence: action.Sequence, Outcome: wire.OutcomeOK}, nil)
}

func (h *stubHandler) sessionClosed(session *Session) {
	if h.registry != nil {
		h.registry.removeSession(session)
	}
}

// testSession builds a session over an in-memory pipe. The returned
// conn is the plugin's end.
func testSession(t *testing.T, identity string, granted capability.Set, handler sessionHandler, capacity int) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	session := newSession(PluginIdentity(identity), "conn-"+identity, wire.ProtocolVersion, granted, wire.NewConn(server, 0), handler, sessionOptions{
		queue:        flow.QueueConfig{Capacity: capacity, Policy: flow.DropOldest},
		maxInflight:  4,
		drainTimeout: time.Second,
	})
	return session, client
}

// discard reads and throws away everything the session writes, so a
// running session over net.Pipe never blocks on its peer.
func discard(conn net.Conn) {
	go io.Copy(io.Discard, conn)
}

// queuedMessage pops the next queued outbound frame of a session that
// is not running and decodes it.
func queuedMessage(t *testing.T, session *Session) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry, err := session.queue.Next(ctx)
	if err != nil {
		t.Fatalf("queue.Next: %v", err)
	}
	if entry.Signal != nil {
		t.Fatalf("got signal %+v, want a frame", entry.Signal)
	}
	message, err := wire.UnmarshalFrame(entry.Item)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}
	return message
}
