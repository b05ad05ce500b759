// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// acceptRetryDelay spaces out retries after a failed Accept, so a
// process out of file descriptors does not spin.
const acceptRetryDelay = 50 * time.Millisecond

// PeerCredentials identifies the process on the other end of a unix
// socket. Logged for operators; authentication is by token only.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

// Serve accepts plugin connections on listener until ctx is
// cancelled, then stops accepting, closes every session gracefully and
// returns once all connection goroutines have finished. Acceptance
// pauses while the global queued-bytes watermark is exceeded and is
// paced by the configured accept rate.
//
// Serve closes listener. For unix listeners the socket file is
// removed by the net package on close.
func (c *Core) Serve(ctx context.Context, listener net.Listener) error {
	if c.closing.Load() {
		return ErrClosed
	}

	stopAccepting := make(chan struct{})
	defer close(stopAccepting)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopAccepting:
		}
		listener.Close()
	}()

	c.logger.Info("plugin listener started",
		"network", listener.Addr().Network(),
		"address", listener.Addr().String(),
	)

	var connections sync.WaitGroup
	for {
		if err := c.controller.WaitAccepting(ctx); err != nil {
			break
		}
		if err := c.acceptLimiter.Wait(ctx); err != nil {
			break
		}
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			c.logger.Error("accept failed", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		// A pause that began while Accept was blocked holds this
		// connection back too.
		if err := c.controller.WaitAccepting(ctx); err != nil {
			conn.Close()
			break
		}

		connections.Add(1)
		go func() {
			defer connections.Done()
			c.handleConnection(conn)
		}()
	}

	c.logger.Info("plugin listener stopping, closing sessions", "sessions", c.registry.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout())
	defer cancel()
	if err := c.registry.Close(shutdownCtx); err != nil {
		c.logger.Warn("sessions did not close in time", "error", err)
	}
	connections.Wait()
	return nil
}

// handleConnection runs one connection from handshake to teardown.
// Panics are contained to the connection.
func (c *Core) handleConnection(netConn net.Conn) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("connection handler panicked", "panic", fmt.Sprint(recovered))
			netConn.Close()
		}
	}()

	logger := c.logger.With("remote", remoteAddress(netConn))
	if credentials, ok := peerCredentials(netConn); ok {
		logger = logger.With("peer_pid", credentials.PID, "peer_uid", credentials.UID)
	}

	session, ack, err := c.handshake(netConn, logger)
	if err != nil {
		return
	}
	session.run(ack)
}

func remoteAddress(conn net.Conn) string {
	if address := conn.RemoteAddr(); address != nil && address.String() != "" {
		return address.String()
	}
	return conn.LocalAddr().Network()
}
