// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

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

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/flow"
	"github.com/bureau-foundation/maibot/lib/completion"
	"github.com/bureau-foundation/maibot/metrics"
	"github.com/bureau-foundation/maibot/wire"
)

// SessionState is the lifecycle position of a session.
type SessionState int32

const (
	StateHandshaking SessionState = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultWriteTimeout = 10 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// sessionHandler is what a session calls back into for anything that
// touches shared state. Core implements it.
type sessionHandler interface {
	subscribe(ctx context.Context, session *Session, categories []string) wire.SubscriptionAck
	unsubscribe(ctx context.Context, session *Session, categories []string) wire.SubscriptionAck
	dispatch(ctx context.Context, session *Session, action Action) *completion.Completion[wire.ActionResult]
	sessionClosed(session *Session)
}

type sessionOptions struct {
	queue        flow.QueueConfig
	compression  wire.Compression
	threshold    int
	maxInflight  int
	writeTimeout time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Session is one authenticated plugin connection. Its outbound queue
// is written only through the session's own methods, and its socket
// only by its writer goroutine (plus the handshake ack and the final
// Disconnect, both written while the writer is not running).
type Session struct {
	identity   PluginIdentity
	connection string
	version    int
	granted    capability.Set
	conn       *wire.Conn
	queue      *flow.Queue[wire.Frame]
	opened     time.Time

	handler      sessionHandler
	logger       *slog.Logger
	metrics      *metrics.Metrics
	compression  wire.Compression
	threshold    int
	writeTimeout time.Duration
	drainTimeout time.Duration

	state        atomic.Int32
	lastSequence atomic.Uint64

	// inflight bounds actions awaiting a platform result; results is
	// sized to match so resolving a completion never blocks.
	inflight chan struct{}
	results  chan wire.ActionResult

	lifecycle sync.Mutex
	stopping  bool
	reason    string
	drain     bool
	stop      chan struct{}
	done      chan struct{}
}

func newSession(identity PluginIdentity, connection string, version int, granted capability.Set, conn *wire.Conn, handler sessionHandler, options sessionOptions) *Session {
	if options.maxInflight < 1 {
		options.maxInflight = 1
	}
	if options.writeTimeout <= 0 {
		options.writeTimeout = defaultWriteTimeout
	}
	if options.drainTimeout <= 0 {
		options.drainTimeout = defaultDrainTimeout
	}
	logger := options.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		identity:     identity,
		connection:   connection,
		version:      version,
		granted:      granted,
		conn:         conn,
		queue:        flow.NewQueue[wire.Frame](options.queue),
		opened:       time.Now(),
		handler:      handler,
		logger:       logger.With("identity", string(identity), "connection", connection),
		metrics:      options.metrics,
		compression:  options.compression,
		threshold:    options.threshold,
		writeTimeout: options.writeTimeout,
		drainTimeout: options.drainTimeout,
		inflight:     make(chan struct{}, options.maxInflight),
		results:      make(chan wire.ActionResult, options.maxInflight),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Identity returns the plugin identity.
func (s *Session) Identity() PluginIdentity { return s.identity }

// Connection returns the connection id.
func (s *Session) Connection() string { return s.connection }

// Version returns the negotiated protocol version.
func (s *Session) Version() int { return s.version }

// Granted returns the granted capability set.
func (s *Session) Granted() capability.Set { return s.granted }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Done is closed once the session has fully shut down and left the
// registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// QueueLen returns the number of queued outbound frames.
func (s *Session) QueueLen() int { return s.queue.Len() }

// Drops returns the number of outbound frames dropped so far.
func (s *Session) Drops() uint64 { return s.queue.Drops() }

// deliver offers an event frame without blocking. Returns
// flow.ErrQueueClosed once the session is shutting down.
func (s *Session) deliver(frame wire.Frame) (flow.Outcome, error) {
	return s.queue.Offer(frame, len(frame.Payload))
}

// reply queues a control message on the queue's control lane, which
// event overflow never evicts. Waits while the lane is full.
func (s *Session) reply(ctx context.Context, message wire.Message) error {
	frame, err := wire.MarshalFrame(message)
	if err != nil {
		return err
	}
	return s.queue.Put(ctx, frame, len(frame.Payload))
}

// acceptSequence records sequence as the latest action sequence if it
// is above every earlier one.
func (s *Session) acceptSequence(sequence uint64) bool {
	for {
		last := s.lastSequence.Load()
		if sequence <= last {
			return false
		}
		if s.lastSequence.CompareAndSwap(last, sequence) {
			return true
		}
	}
}

// shutdown asks the session to end. With drain set, frames already
// queued are flushed (bounded by the drain timeout) before the
// Disconnect is sent. Only the first call has an effect.
func (s *Session) shutdown(reason string, drain bool) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	s.reason = reason
	s.drain = drain
	close(s.stop)
}

// run owns the session from the accepted handshake until teardown. The
// caller must have registered the session; run always ends by calling
// the handler's sessionClosed and closing Done.
func (s *Session) run(ack wire.HandshakeAck) {
	defer close(s.done)
	defer s.state.Store(int32(StateClosed))
	defer s.handler.sessionClosed(s)

	s.lifecycle.Lock()
	stopping := s.stopping
	s.lifecycle.Unlock()
	if stopping {
		s.queue.Close()
		s.conn.Close()
		return
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(ack); err != nil {
		s.logger.Debug("writing handshake ack failed", "error", err)
		s.queue.Close()
		s.conn.Close()
		return
	}
	if s.compression != wire.CompressionNone {
		s.conn.SetCompression(s.compression, s.threshold)
	}
	s.state.Store(int32(StateOpen))
	s.logger.Info("plugin session opened",
		"version", s.version,
		"capabilities", s.granted.Names(),
		"compression", s.conn.Compression().String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()
	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		s.resultLoop(ctx)
	}()
	readerDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readerDone)
		readErr = s.readLoop(ctx)
	}()

	select {
	case <-s.stop:
	case <-readerDone:
		s.lifecycle.Lock()
		if !s.stopping {
			s.stopping = true
			if isWireViolation(readErr) {
				s.metrics.ProtocolError("frame")
			}
			if errors.Is(readErr, ErrProtocol) || isWireViolation(readErr) {
				s.reason = DisconnectProtocolError
			}
		}
		s.lifecycle.Unlock()
	}

	s.lifecycle.Lock()
	reason, drain := s.reason, s.drain
	s.lifecycle.Unlock()
	s.state.Store(int32(StateDraining))

	switch {
	case drain:
		s.queue.Drain()
		timer := time.NewTimer(s.drainTimeout)
		select {
		case <-writerDone:
		case <-timer.C:
			s.logger.Warn("drain timed out, discarding queued frames", "queued", s.queue.Len())
			s.queue.Close()
			s.conn.SetWriteDeadline(time.Now())
		}
		timer.Stop()
	case reason == "":
		// The peer is gone; nothing left to flush.
		s.conn.Close()
		s.queue.Close()
	default:
		s.queue.Close()
	}
	<-writerDone

	if reason != "" {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteMessage(wire.Disconnect{Reason: reason}); err != nil {
			s.logger.Debug("writing disconnect failed", "error", err)
		}
	}
	s.conn.Close()
	cancel()
	<-readerDone
	<-resultsDone

	switch {
	case reason == DisconnectProtocolError:
		s.logger.Warn("plugin session closed for protocol violation", "error", readErr)
	case reason != "":
		s.logger.Info("plugin session closed", "reason", reason)
	default:
		s.logger.Info("plugin session closed by peer", "error", quietError(readErr))
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		message, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		switch message := message.(type) {
		case wire.SubscribeRequest:
			if err := s.reply(ctx, s.handler.subscribe(ctx, s, message.Categories)); err != nil {
				return err
			}
		case wire.UnsubscribeRequest:
			if err := s.reply(ctx, s.handler.unsubscribe(ctx, s, message.Categories)); err != nil {
				return err
			}
		case wire.ActionRequest:
			select {
			case s.inflight <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			action := Action{
				Payload:  message.Payload,
				Identity: s.identity,
				Sequence: message.Sequence,
			}
			// An unknown name stays the zero category, which no grant
			// contains, so the dispatcher answers forbidden.
			action.Category, _ = capability.Parse(message.Category)
			s.handler.dispatch(ctx, s, action).OnResolve(func(result wire.ActionResult, _ error) {
				s.results <- result
			})
		case wire.Ping:
			if err := s.reply(ctx, wire.Pong{Nonce: message.Nonce}); err != nil {
				return err
			}
		case wire.Pong:
		case wire.Disconnect:
			s.logger.Debug("plugin sent disconnect", "reason", message.Reason)
			return io.EOF
		default:
			s.metrics.ProtocolError("unexpected_message")
			return fmt.Errorf("%w: unexpected %s after handshake", ErrProtocol, message.MessageType())
		}
	}
}

func (s *Session) resultLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-s.results:
			if err := s.reply(ctx, result); err != nil {
				s.logger.Debug("action result abandoned", "sequence", result.Sequence, "error", err)
			}
			<-s.inflight
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		entry, err := s.queue.Next(ctx)
		if err != nil {
			return
		}
		frame := entry.Item
		if entry.Signal != nil {
			frame, err = signalFrame(*entry.Signal)
			if err != nil {
				s.logger.Error("encoding congestion signal failed", "error", err)
				continue
			}
		}
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteFrame(frame); err != nil {
			s.logger.Debug("write failed, closing connection", "error", err)
			s.conn.Close()
			return
		}
	}
}

func signalFrame(signal flow.Signal) (wire.Frame, error) {
	switch signal.Kind {
	case flow.Congested:
		return wire.MarshalFrame(wire.Congested{Dropped: signal.Dropped})
	case flow.Recovered:
		return wire.MarshalFrame(wire.Recovered{Dropped: signal.Dropped})
	default:
		return wire.Frame{}, fmt.Errorf("unknown signal %s", signal.Kind)
	}
}

func isWireViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrUnknownMessageType) {
		return true
	}
	return false
}

// quietError maps the ordinary ways a peer goes away to nil so they
// log as a clean close.
func quietError(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
