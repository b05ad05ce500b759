// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLength is the fixed size of a frame header: 1 byte type tag +
// 4 bytes payload length.
const HeaderLength = 5

// DefaultMaxPayload bounds frame payloads when no limit is configured.
// Event payloads are chat messages and small media references; 1 MiB
// leaves room for long messages without letting a plugin make the core
// buffer arbitrary amounts per connection.
const DefaultMaxPayload = 1 << 20

// compressedFlag is the type tag bit marking a compressed payload.
const compressedFlag = 0x80

// ErrFrameTooLarge is wrapped by every *FrameTooLargeError.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// FrameTooLargeError reports a payload length over the configured
// maximum. It is raised from the header alone, before the payload is
// allocated or read.
type FrameTooLargeError struct {
	Length uint64
	Max    int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("wire: frame payload length %d exceeds maximum %d", e.Length, e.Max)
}

func (e *FrameTooLargeError) Unwrap() error { return ErrFrameTooLarge }

// Frame is one unit on the wire.
type Frame struct {
	Type MessageType
	// Compressed is set when Payload holds a compressed body. Frames
	// handed to application code by [Conn] are always uncompressed.
	Compressed bool
	Payload    []byte
}

// tag returns the on-wire type byte.
func (f Frame) tag() byte {
	tag := byte(f.Type) &^ compressedFlag
	if f.Compressed {
		tag |= compressedFlag
	}
	return tag
}

// AppendFrame appends the encoding of frame to dst. A maxPayload of
// zero or less means DefaultMaxPayload.
func AppendFrame(dst []byte, frame Frame, maxPayload int) ([]byte, error) {
	maxPayload = normalizeMax(maxPayload)
	if len(frame.Payload) > maxPayload {
		return dst, &FrameTooLargeError{Length: uint64(len(frame.Payload)), Max: maxPayload}
	}
	var header [HeaderLength]byte
	header[0] = frame.tag()
	binary.BigEndian.PutUint32(header[1:], uint32(len(frame.Payload)))
	dst = append(dst, header[:]...)
	return append(dst, frame.Payload...), nil
}

// Encode returns the encoding of frame in a new slice.
func Encode(frame Frame, maxPayload int) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderLength+len(frame.Payload)), frame, maxPayload)
}

// WriteFrame writes one encoded frame to w with a single Write call,
// so concurrent writers serialized by the caller never interleave
// partial frames.
func WriteFrame(w io.Writer, frame Frame, maxPayload int) error {
	encoded, err := Encode(frame, maxPayload)
	if err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func normalizeMax(maxPayload int) int {
	if maxPayload <= 0 {
		return DefaultMaxPayload
	}
	return maxPayload
}

// parseHeader splits a header into the frame skeleton and payload
// length, enforcing the maximum.
func parseHeader(header []byte, maxPayload int) (Frame, int, error) {
	length := binary.BigEndian.Uint32(header[1:HeaderLength])
	if uint64(length) > uint64(maxPayload) {
		return Frame{}, 0, &FrameTooLargeError{Length: uint64(length), Max: maxPayload}
	}
	return Frame{
		Type:       MessageType(header[0] &^ compressedFlag),
		Compressed: header[0]&compressedFlag != 0,
	}, int(length), nil
}

// Decoder reassembles frames from a byte stream delivered in arbitrary
// chunks. Feeding the same bytes split at any boundaries yields the
// same frames in the same order.
//
// After a size violation the stream cannot be resynchronized, so the
// decoder stays failed and every later Feed returns the same error.
type Decoder struct {
	maxPayload int
	pending    []byte
	err        error
}

// NewDecoder returns a decoder enforcing maxPayload (DefaultMaxPayload
// when zero or less).
func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{maxPayload: normalizeMax(maxPayload)}
}

// Feed consumes data and returns every frame it completes. A trailing
// partial frame is held until more bytes arrive. Returned payloads do
// not alias data or the decoder's buffer. On a size violation the
// frames completed before the oversized header are returned together
// with the error.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.pending = append(d.pending, data...)

	var frames []Frame
	offset := 0
	for len(d.pending)-offset >= HeaderLength {
		frame, length, err := parseHeader(d.pending[offset:offset+HeaderLength], d.maxPayload)
		if err != nil {
			d.err = err
			d.pending = nil
			return frames, err
		}
		if len(d.pending)-offset-HeaderLength < length {
			break
		}
		start := offset + HeaderLength
		frame.Payload = append([]byte(nil), d.pending[start:start+length]...)
		frames = append(frames, frame)
		offset = start + length
	}

	if offset > 0 {
		remaining := copy(d.pending, d.pending[offset:])
		d.pending = d.pending[:remaining]
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int { return len(d.pending) }

// readChunk is the size of each Read a Reader issues.
const readChunk = 32 << 10

// Reader reads frames from a blocking stream by feeding a Decoder, so
// streams and chunked input share one framing path. A read error such
// as a deadline leaves any partial frame buffered for the next call.
type Reader struct {
	r       io.Reader
	decoder *Decoder
	chunk   []byte
	ready   []Frame
	err     error
}

// NewReader returns a Reader enforcing maxPayload (DefaultMaxPayload
// when zero or less).
func NewReader(r io.Reader, maxPayload int) *Reader {
	return &Reader{r: r, decoder: NewDecoder(maxPayload)}
}

// ReadFrame reads the next frame. A clean end of stream between frames
// returns io.EOF; a stream ending inside a frame returns
// io.ErrUnexpectedEOF. Frames completed before a size violation are
// returned first, then the violation on every later call.
func (r *Reader) ReadFrame() (Frame, error) {
	for len(r.ready) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}
		if r.chunk == nil {
			r.chunk = make([]byte, readChunk)
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			frames, feedErr := r.decoder.Feed(r.chunk[:n])
			r.ready = append(r.ready, frames...)
			if feedErr != nil {
				r.err = feedErr
				continue
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) && r.decoder.Buffered() == 0:
			r.err = io.EOF
		case errors.Is(err, io.EOF):
			r.err = fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF)
		case len(r.ready) == 0:
			return Frame{}, fmt.Errorf("read frame: %w", err)
		}
	}
	frame := r.ready[0]
	r.ready[0] = Frame{}
	r.ready = r.ready[1:]
	return frame, nil
}
