// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn exchanges messages over a stream connection. Reads must come
// from a single goroutine; writes are serialized internally and may
// come from any goroutine.
type Conn struct {
	conn       net.Conn
	reader     *Reader
	maxPayload int

	compression atomic.Uint32

	writeMu   sync.Mutex
	threshold int
	scratch   []byte
}

// NewConn wraps conn, enforcing maxPayload on both directions
// (DefaultMaxPayload when zero or less). Compression starts disabled;
// enable it with SetCompression once the handshake negotiated it.
func NewConn(conn net.Conn, maxPayload int) *Conn {
	maxPayload = normalizeMax(maxPayload)
	return &Conn{
		conn:       conn,
		reader:     NewReader(conn, maxPayload),
		maxPayload: maxPayload,
		threshold:  DefaultCompressionThreshold,
	}
}

// SetCompression enables compression for outbound payloads of at least
// threshold bytes and accepts compressed inbound frames. A threshold
// of zero or less means DefaultCompressionThreshold.
func (c *Conn) SetCompression(compression Compression, threshold int) {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	c.writeMu.Lock()
	c.compression.Store(uint32(compression))
	c.threshold = threshold
	c.writeMu.Unlock()
}

// Compression returns the negotiated compression.
func (c *Conn) Compression() Compression {
	return Compression(c.compression.Load())
}

// MaxPayload returns the enforced payload limit.
func (c *Conn) MaxPayload() int { return c.maxPayload }

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn { return c.conn }

// ReadFrame reads the next frame and returns it decompressed.
func (c *Conn) ReadFrame() (Frame, error) {
	frame, err := c.reader.ReadFrame()
	if err != nil {
		return Frame{}, err
	}
	if !frame.Compressed {
		return frame, nil
	}
	payload, err := decompressPayload(c.Compression(), frame.Payload, c.maxPayload)
	if err != nil {
		return Frame{}, fmt.Errorf("decompressing %s frame: %w", frame.Type, err)
	}
	return Frame{Type: frame.Type, Payload: payload}, nil
}

// ReadMessage reads and decodes the next message.
func (c *Conn) ReadMessage() (Message, error) {
	frame, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return UnmarshalFrame(frame)
}

// WriteFrame writes an uncompressed frame, compressing the payload
// first when compression is negotiated and the payload reaches the
// threshold.
func (c *Conn) WriteFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if frame.Compressed {
		return errors.New("wire: WriteFrame takes uncompressed frames")
	}
	if compression := c.Compression(); compression != CompressionNone && len(frame.Payload) >= c.threshold {
		compressed, err := compressPayload(compression, frame.Payload)
		switch {
		case err == nil:
			frame = Frame{Type: frame.Type, Compressed: true, Payload: compressed}
		case errors.Is(err, errIncompressible):
		default:
			return err
		}
	}

	encoded, err := AppendFrame(c.scratch[:0], frame, c.maxPayload)
	if err != nil {
		return err
	}
	c.scratch = encoded
	if _, err := c.conn.Write(encoded); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// WriteMessage encodes and writes one message.
func (c *Conn) WriteMessage(message Message) error {
	frame, err := MarshalFrame(message)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// SetReadDeadline sets the deadline for future reads.
func (c *Conn) SetReadDeadline(deadline time.Time) error {
	return c.conn.SetReadDeadline(deadline)
}

// SetWriteDeadline sets the deadline for future writes.
func (c *Conn) SetWriteDeadline(deadline time.Time) error {
	return c.conn.SetWriteDeadline(deadline)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
