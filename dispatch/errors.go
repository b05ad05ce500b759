// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
)

// Error taxonomy. Connection-scoped errors end only their connection.
var (
	// ErrProtocol marks a peer that broke the wire protocol. The
	// connection is closed.
	ErrProtocol = errors.New("dispatch: protocol violation")

	// ErrAuth marks a failed handshake. Always wrapped by *AuthError.
	ErrAuth = errors.New("dispatch: authentication failed")

	// ErrCapability marks an action or subscription outside the
	// session's granted set. The connection stays open.
	ErrCapability = errors.New("dispatch: capability not granted")

	// ErrRoutingMiss marks an event whose subscriber has no live
	// session. Counted, never surfaced to the platform.
	ErrRoutingMiss = errors.New("dispatch: subscriber has no live session")

	// ErrInvalidEvent is returned by OnExternalEvent for an event
	// without an origin or with a category that is not an event.
	ErrInvalidEvent = errors.New("dispatch: invalid event")

	// ErrCongestionDrop marks an event dropped by a full queue.
	ErrCongestionDrop = errors.New("dispatch: dropped by congestion policy")

	// ErrAdapter marks a platform adapter failure. Always wrapped by
	// *AdapterError.
	ErrAdapter = errors.New("dispatch: platform adapter failed")

	// ErrDuplicateIdentity is returned by Registry.Register when the
	// identity already has a live session and the policy is reject.
	ErrDuplicateIdentity = errors.New("dispatch: identity already connected")

	// ErrNotFound is returned by Registry.Lookup for an identity
	// without a live session.
	ErrNotFound = errors.New("dispatch: session not found")

	// ErrClosed is returned once the core or registry is shut down.
	ErrClosed = errors.New("dispatch: closed")
)

// RejectReason is the code sent in a rejecting HandshakeAck.
type RejectReason string

const (
	ReasonMalformed          RejectReason = "malformed"
	ReasonUnsupportedVersion RejectReason = "unsupported_version"
	ReasonInvalidIdentity    RejectReason = "invalid_identity"
	// ReasonBadCredentials covers both an unconfigured identity and a
	// wrong token. The log line carries which one it was.
	ReasonBadCredentials     RejectReason = "bad_credentials"
	ReasonDuplicateIdentity  RejectReason = "duplicate_identity"
	ReasonHandshakeTimeout   RejectReason = "handshake_timeout"
	ReasonShuttingDown       RejectReason = "shutting_down"
)

// Disconnect reasons sent to a plugin whose session the core ends.
const (
	DisconnectSuperseded    = "superseded"
	DisconnectShutdown      = "shutting_down"
	DisconnectRemoved       = "removed"
	DisconnectProtocolError = "protocol_error"
)

// AuthError is a handshake rejection with its reason code.
type AuthError struct {
	Reason RejectReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: handshake rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dispatch: handshake rejected (%s)", e.Reason)
}

func (e *AuthError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAuth, e.Err}
	}
	return []error{ErrAuth}
}

func rejectf(reason RejectReason, format string, args ...any) *AuthError {
	return &AuthError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// AdapterError is a platform adapter failure. Code is a short
// machine-readable string surfaced to the plugin in ActionResult.Code.
type AdapterError struct {
	Code    string
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("dispatch: adapter error %s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("dispatch: adapter error %s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("dispatch: adapter error %s", e.Code)
	}
}

func (e *AdapterError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAdapter, e.Err}
	}
	return []error{ErrAdapter}
}
