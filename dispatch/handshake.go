// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/wire"
)

// DefaultHandshakeTimeout bounds the wait for the first frame.
const DefaultHandshakeTimeout = 10 * time.Second

// handshake reads and validates the opening frame, authenticates the
// plugin and registers its session. On failure the rejecting ack has
// already been sent and the connection closed. On success the caller
// must run the session, which sends ack.
func (c *Core) handshake(netConn net.Conn, logger *slog.Logger) (*Session, wire.HandshakeAck, error) {
	conn := wire.NewConn(netConn, c.config.MaxFrameBytes)
	connection := uuid.NewString()
	logger = logger.With("connection", connection)

	session, ack, err := c.admit(conn, connection, logger)
	if err != nil {
		reason := ReasonMalformed
		var authError *AuthError
		if errors.As(err, &authError) {
			reason = authError.Reason
		}
		c.metrics.Handshake(string(reason))
		logger.Info("handshake rejected", "reason", string(reason), "error", err)

		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		if writeErr := conn.WriteMessage(wire.HandshakeAck{Accepted: false, Reason: string(reason)}); writeErr != nil {
			logger.Debug("writing handshake rejection failed", "error", writeErr)
		}
		conn.Close()
		return nil, wire.HandshakeAck{}, err
	}

	c.metrics.Handshake("accepted")
	c.metrics.SessionOpened()
	return session, ack, nil
}

func (c *Core) admit(conn *wire.Conn, connection string, logger *slog.Logger) (*Session, wire.HandshakeAck, error) {
	// The handshake deadline is wall-clock: it is enforced by the
	// socket, not by the core's clock.
	conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	message, err := conn.ReadMessage()
	if err != nil {
		var netError net.Error
		if errors.As(err, &netError) && netError.Timeout() {
			return nil, wire.HandshakeAck{}, &AuthError{Reason: ReasonHandshakeTimeout, Err: err}
		}
		return nil, wire.HandshakeAck{}, &AuthError{Reason: ReasonMalformed, Err: err}
	}
	conn.SetReadDeadline(time.Time{})

	hello, ok := message.(wire.Handshake)
	if !ok {
		return nil, wire.HandshakeAck{}, rejectf(ReasonMalformed, "first frame is %s, want handshake", message.MessageType())
	}
	if hello.ProtocolVersion < wire.MinProtocolVersion {
		return nil, wire.HandshakeAck{}, rejectf(ReasonUnsupportedVersion,
			"protocol version %d is below minimum %d", hello.ProtocolVersion, wire.MinProtocolVersion)
	}
	version := min(hello.ProtocolVersion, wire.ProtocolVersion)

	identity := PluginIdentity(hello.Identity)
	if err := identity.Validate(); err != nil {
		return nil, wire.HandshakeAck{}, &AuthError{Reason: ReasonInvalidIdentity, Err: err}
	}
	if c.closing.Load() {
		return nil, wire.HandshakeAck{}, rejectf(ReasonShuttingDown, "core is shutting down")
	}

	requested, unknown := capability.ParseSet(hello.Capabilities)
	if len(unknown) > 0 {
		logger.Info("plugin requested unknown capabilities", "identity", string(identity), "unknown", unknown)
	}
	granted, err := c.auth.Authenticate(identity, hello.Token, requested)
	if err != nil {
		return nil, wire.HandshakeAck{}, err
	}

	compression := wire.NegotiateCompression(hello.Compression, c.config.Compression)
	session := newSession(identity, connection, version, granted, conn, c, sessionOptions{
		queue:        c.queueConfig(),
		compression:  compression,
		threshold:    c.config.CompressionThreshold,
		maxInflight:  c.config.MaxInflightActions,
		writeTimeout: c.config.WriteTimeout,
		drainTimeout: c.config.EvictionDrainTimeout,
		logger:       c.logger,
		metrics:      c.metrics,
	})

	registerCtx, cancel := context.WithTimeout(context.Background(), c.config.EvictionDrainTimeout+c.config.WriteTimeout)
	defer cancel()
	if err := c.registry.Register(registerCtx, session); err != nil {
		session.queue.Close()
		if errors.Is(err, ErrClosed) {
			return nil, wire.HandshakeAck{}, &AuthError{Reason: ReasonShuttingDown, Err: err}
		}
		return nil, wire.HandshakeAck{}, &AuthError{Reason: ReasonDuplicateIdentity, Err: err}
	}

	ack := wire.HandshakeAck{
		Accepted:          true,
		NegotiatedVersion: version,
		Capabilities:      granted.Names(),
		Connection:        connection,
	}
	if compression != wire.CompressionNone {
		ack.Compression = compression.String()
	}
	return session, ack, nil
}
