// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// DuplicatePolicy decides what Register does when the identity already
// has a live session.
type DuplicatePolicy uint8

const (
	// RejectDuplicate fails the newcomer with ErrDuplicateIdentity.
	RejectDuplicate DuplicatePolicy = iota
	// EvictDuplicate drains and closes the existing session, then
	// registers the newcomer.
	EvictDuplicate
)

func (p DuplicatePolicy) String() string {
	if p == EvictDuplicate {
		return "evict"
	}
	return "reject"
}

// ParseDuplicatePolicy parses "reject" or "evict".
func ParseDuplicatePolicy(name string) (DuplicatePolicy, error) {
	switch name {
	case "reject":
		return RejectDuplicate, nil
	case "evict":
		return EvictDuplicate, nil
	default:
		return 0, fmt.Errorf("unknown duplicate identity policy %q (want reject or evict)", name)
	}
}

// Registry holds the live session of every connected identity.
//
// Membership hooks run under the registry lock, so the subscription
// index moves in step with the registry: no reader ever sees an
// identity registered without its subscriptions attached, or detached
// subscriptions still live.
type Registry struct {
	policy DuplicatePolicy

	mu       sync.RWMutex
	sessions map[PluginIdentity]*Session
	closed   bool

	// added and removed run with mu held.
	added   func(*Session)
	removed func(*Session)
}

// NewRegistry returns an empty registry. added and removed may be nil.
func NewRegistry(policy DuplicatePolicy, added, removed func(*Session)) *Registry {
	return &Registry{
		policy:   policy,
		sessions: make(map[PluginIdentity]*Session),
		added:    added,
		removed:  removed,
	}
}

// Register makes session the live session of its identity. Under
// RejectDuplicate an existing session fails the call with
// ErrDuplicateIdentity. Under EvictDuplicate the existing session is
// drained and closed first; Register waits for it to leave, bounded
// by ctx.
func (r *Registry) Register(ctx context.Context, session *Session) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		existing, ok := r.sessions[session.identity]
		if !ok {
			r.sessions[session.identity] = session
			if r.added != nil {
				r.added(session)
			}
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		if r.policy != EvictDuplicate {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, session.identity)
		}
		existing.shutdown(DisconnectSuperseded, true)
		select {
		case <-existing.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for superseded session of %s: %w", session.identity, ctx.Err())
		}
	}
}

// Lookup returns the live session of identity, or ErrNotFound.
func (r *Registry) Lookup(identity PluginIdentity) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[identity]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	return session, nil
}

// Remove takes identity out of the registry and shuts its session
// down. Removing an absent identity is a no-op.
func (r *Registry) Remove(identity PluginIdentity) {
	r.mu.Lock()
	session, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
		if r.removed != nil {
			r.removed(session)
		}
	}
	r.mu.Unlock()
	if ok {
		session.shutdown(DisconnectRemoved, false)
	}
}

// whileLive runs fn with the registry read-locked if session is still
// the live session of its identity, and reports whether fn ran. A
// concurrent Remove cannot detach the identity while fn runs.
func (r *Registry) whileLive(session *Session, fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sessions[session.identity] != session {
		return false
	}
	fn()
	return true
}

// removeSession deletes session if it is still the live session of its
// identity. A session torn down after being superseded must not remove
// its successor.
func (r *Registry) removeSession(session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[session.identity] != session {
		return false
	}
	delete(r.sessions, session.identity)
	if r.removed != nil {
		r.removed(session)
	}
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the live sessions ordered by identity.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()
	slices.SortFunc(sessions, func(a, b *Session) int {
		return strings.Compare(string(a.identity), string(b.identity))
	})
	return sessions
}

// Close refuses further registrations, drains every live session and
// waits for all of them to finish, bounded by ctx.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	sessions := r.Sessions()
	for _, session := range sessions {
		session.shutdown(DisconnectShutdown, true)
	}
	for _, session := range sessions {
		select {
		case <-session.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for sessions to close: %w", ctx.Err())
		}
	}
	return nil
}
