// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/maibot/wire"
)

// ErrClosed is returned by calls on a client whose connection ended.
var ErrClosed = errors.New("sdk: connection closed")

// RejectedError is returned by Dial when the core refuses the
// handshake.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sdk: handshake rejected: %s", e.Reason)
}

// Config configures Dial.
type Config struct {
	// Network and Address locate the core's plugin listener
	// ("unix", "/run/maibot/plugins.sock" or "tcp", "127.0.0.1:7400").
	Network string
	Address string

	Identity     string
	Token        string
	Capabilities []string

	// Compression lists acceptable payload compressions in preference
	// order. Empty asks for none.
	Compression []string

	// CompressionThreshold is the smallest payload the client
	// compresses once compression is granted.
	CompressionThreshold int

	// MaxFrameBytes must not be below the core's limit.
	MaxFrameBytes int

	// EventBuffer sizes the Events channel (256). When it is full the
	// client stops reading, and the core applies its drop policy.
	EventBuffer int

	Logger *slog.Logger
}

// Client is a connected plugin.
type Client struct {
	conn   *wire.Conn
	ack    wire.HandshakeAck
	logger *slog.Logger

	events  chan wire.EventDelivery
	signals chan wire.Message

	// requestMu orders subscription requests with their acks: the
	// core answers them in the order it reads them.
	requestMu     sync.Mutex
	subscriptions []chan wire.SubscriptionAck

	mu      sync.Mutex
	actions map[uint64]chan wire.ActionResult
	pings   map[uint64]chan struct{}
	closed  bool
	reason  string
	readErr error

	sequence  atomic.Uint64
	nonce     atomic.Uint64
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the core and performs the handshake. ctx bounds the
// dial and the wait for the handshake ack.
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.EventBuffer <= 0 {
		config.EventBuffer = 256
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, config.Network, config.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing core at %s: %w", config.Address, err)
	}
	conn := wire.NewConn(netConn, config.MaxFrameBytes)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(wire.Handshake{
		Identity:        config.Identity,
		Token:           config.Token,
		Capabilities:    config.Capabilities,
		ProtocolVersion: wire.ProtocolVersion,
		Compression:     config.Compression,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}
	message, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading handshake ack: %w", err)
	}
	ack, ok := message.(wire.HandshakeAck)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("sdk: expected handshake ack, got %s", message.MessageType())
	}
	if !ack.Accepted {
		conn.Close()
		return nil, &RejectedError{Reason: ack.Reason}
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	compression, err := wire.ParseCompression(ack.Compression)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("core granted %w", err)
	}
	if compression != wire.CompressionNone {
		conn.SetCompression(compression, config.CompressionThreshold)
	}

	client := &Client{
		conn:    conn,
		ack:     ack,
		logger:  config.Logger.With("identity", config.Identity, "connection", ack.Connection),
		events:  make(chan wire.EventDelivery, config.EventBuffer),
		signals: make(chan wire.Message, 16),
		actions: make(map[uint64]chan wire.ActionResult),
		pings:   make(map[uint64]chan struct{}),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// Ack returns the core's handshake ack.
func (c *Client) Ack() wire.HandshakeAck { return c.ack }

// Granted returns the capability names the core granted.
func (c *Client) Granted() []string { return c.ack.Capabilities }

// Events delivers routed events. Closed when the connection ends.
func (c *Client) Events() <-chan wire.EventDelivery { return c.events }

// Signals delivers Congested and Recovered notices. Notices that
// arrive while the channel is full are dropped.
func (c *Client) Signals() <-chan wire.Message { return c.signals }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// DisconnectReason returns the reason the core gave when it closed the
// connection, or "" if it did not send one.
func (c *Client) DisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Subscribe asks for event categories and returns the core's answer.
func (c *Client) Subscribe(ctx context.Context, categories ...string) (wire.SubscriptionAck, error) {
	return c.subscription(ctx, wire.SubscribeRequest{Categories: categories})
}

// Unsubscribe withdraws event categories.
func (c *Client) Unsubscribe(ctx context.Context, categories ...string) (wire.SubscriptionAck, error) {
	return c.subscription(ctx, wire.UnsubscribeRequest{Categories: categories})
}

func (c *Client) subscription(ctx context.Context, request wire.Message) (wire.SubscriptionAck, error) {
	reply := make(chan wire.SubscriptionAck, 1)

	c.requestMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.requestMu.Unlock()
		return wire.SubscriptionAck{}, ErrClosed
	}
	c.subscriptions = append(c.subscriptions, reply)
	c.mu.Unlock()
	err := c.conn.WriteMessage(request)
	c.requestMu.Unlock()
	if err != nil {
		return wire.SubscriptionAck{}, fmt.Errorf("sending %s: %w", request.MessageType(), err)
	}

	select {
	case ack, ok := <-reply:
		if !ok {
			return wire.SubscriptionAck{}, ErrClosed
		}
		return ack, nil
	case <-ctx.Done():
		return wire.SubscriptionAck{}, ctx.Err()
	}
}

// Submit issues an action with the next sequence number and waits for
// its result.
func (c *Client) Submit(ctx context.Context, category string, payload []byte) (wire.ActionResult, error) {
	return c.SubmitSequence(ctx, c.sequence.Add(1), category, payload)
}

// SubmitSequence issues an action with an explicit sequence number.
// The core answers duplicate for a sequence at or below the highest
// one it has accepted on this connection.
func (c *Client) SubmitSequence(ctx context.Context, sequence uint64, category string, payload []byte) (wire.ActionResult, error) {
	reply := make(chan wire.ActionResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.ActionResult{}, ErrClosed
	}
	c.actions[sequence] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		if c.actions[sequence] == reply {
			delete(c.actions, sequence)
		}
		c.mu.Unlock()
	}

	if err := c.conn.WriteMessage(wire.ActionRequest{Category: category, Payload: payload, Sequence: sequence}); err != nil {
		forget()
		return wire.ActionResult{}, fmt.Errorf("sending action: %w", err)
	}
	select {
	case result, ok := <-reply:
		if !ok {
			return wire.ActionResult{}, ErrClosed
		}
		return result, nil
	case <-ctx.Done():
		forget()
		return wire.ActionResult{}, ctx.Err()
	}
}

// Ping round-trips a Ping/Pong with the core.
func (c *Client) Ping(ctx context.Context) error {
	nonce := c.nonce.Add(1)
	reply := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pings[nonce] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		if c.pings[nonce] == reply {
			delete(c.pings, nonce)
		}
		c.mu.Unlock()
	}

	if err := c.conn.WriteMessage(wire.Ping{Nonce: nonce}); err != nil {
		forget()
		return fmt.Errorf("sending ping: %w", err)
	}
	select {
	case <-reply:
		select {
		case <-c.done:
			return ErrClosed
		default:
			return nil
		}
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// Close sends a Disconnect and closes the connection. It waits for the
// read loop to finish.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(wire.Disconnect{Reason: "plugin_closed"})
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer c.finish()
	for {
		message, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		switch message := message.(type) {
		case wire.EventDelivery:
			select {
			case c.events <- message:
			case <-c.closing:
				return
			}
		case wire.SubscriptionAck:
			c.mu.Lock()
			if len(c.subscriptions) > 0 {
				reply := c.subscriptions[0]
				c.subscriptions = c.subscriptions[1:]
				reply <- message
			}
			c.mu.Unlock()
		case wire.ActionResult:
			c.mu.Lock()
			reply, ok := c.actions[message.Sequence]
			delete(c.actions, message.Sequence)
			c.mu.Unlock()
			if ok {
				reply <- message
			} else {
				c.logger.Debug("unsolicited action result", "sequence", message.Sequence)
			}
		case wire.Congested, wire.Recovered:
			select {
			case c.signals <- message:
			default:
			}
		case wire.Ping:
			if err := c.conn.WriteMessage(wire.Pong{Nonce: message.Nonce}); err != nil {
				c.logger.Debug("answering ping failed", "error", err)
			}
		case wire.Pong:
			c.mu.Lock()
			if reply, ok := c.pings[message.Nonce]; ok {
				delete(c.pings, message.Nonce)
				close(reply)
			}
			c.mu.Unlock()
		case wire.Disconnect:
			c.mu.Lock()
			c.reason = message.Reason
			c.mu.Unlock()
			c.logger.Info("core closed the connection", "reason", message.Reason)
		default:
			c.logger.Warn("unexpected message from core", "type", message.MessageType().String())
		}
	}
}

func (c *Client) finish() {
	c.conn.Close()
	c.mu.Lock()
	c.closed = true
	for _, reply := range c.subscriptions {
		close(reply)
	}
	c.subscriptions = nil
	for sequence, reply := range c.actions {
		close(reply)
		delete(c.actions, sequence)
	}
	for nonce, reply := range c.pings {
		close(reply)
		delete(c.pings, nonce)
	}
	c.mu.Unlock()
	close(c.events)
	close(c.done)
}

// Err returns the error that ended the read loop, with ordinary
// connection shutdown reported as nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil || errors.Is(c.readErr, io.EOF) || errors.Is(c.readErr, net.ErrClosed) {
		return nil
	}
	return c.readErr
}
