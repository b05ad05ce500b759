// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"io"
	"sort"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func TestEncodeLayout(t *testing.T) {
	encoded, err := Encode(Frame{Type: TypePing, Payload: []byte{0xAA, 0xBB}}, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x0C, 0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(encoded, want) {
		t.Errorf("Encode = % x, want % x", encoded, want)
	}

	compressed, err := Encode(Frame{Type: TypeEventDelivery, Compressed: true}, 0)
	if err != nil {
		t.Fatalf("Encode compressed: %v", err)
	}
	if compressed[0] != 0x86 {
		t.Errorf("compressed tag = 0x%02x, want 0x86", compressed[0])
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Frame{Type: TypeEventDelivery, Payload: make([]byte, 11)}, 10)
	var tooLarge *FrameTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("Encode = %v, want *FrameTooLargeError", err)
	}
	if tooLarge.Length != 11 || tooLarge.Max != 10 {
		t.Errorf("error = %+v, want length 11 max 10", tooLarge)
	}
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Error("error does not wrap ErrFrameTooLarge")
	}
}

func TestDecoderHoldsPartialFrame(t *testing.T) {
	first, _ := Encode(Frame{Type: TypeSubscribe, Payload: []byte("one")}, 0)
	second, _ := Encode(Frame{Type: TypePong, Payload: []byte("two")}, 0)
	stream := append(first, second...)

	decoder := NewDecoder(0)
	frames, err := decoder.Feed(stream[:len(first)+3])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "one" {
		t.Fatalf("first feed returned %+v, want the first frame only", frames)
	}
	if decoder.Buffered() != 3 {
		t.Errorf("Buffered = %d, want 3", decoder.Buffered())
	}

	frames, err = decoder.Feed(stream[len(first)+3:])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 || frames[0].Type != TypePong || string(frames[0].Payload) != "two" {
		t.Fatalf("second feed returned %+v", frames)
	}
	if decoder.Buffered() != 0 {
		t.Errorf("Buffered = %d after complete frame", decoder.Buffered())
	}
}

func TestDecoderRejectsOversizedHeaderBeforePayload(t *testing.T) {
	good, _ := Encode(Frame{Type: TypePing, Payload: []byte{1}}, 0)
	// Header announcing 1000 bytes; no payload follows.
	stream := append(good, 0x06, 0x00, 0x00, 0x03, 0xE8)

	decoder := NewDecoder(100)
	frames, err := decoder.Feed(stream)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Feed = %v, want ErrFrameTooLarge", err)
	}
	if len(frames) != 1 {
		t.Errorf("got %d frames before the oversized header, want 1", len(frames))
	}
	if _, err := decoder.Feed([]byte{0x0C}); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Feed after failure = %v, want the sticky error", err)
	}
}

func TestDecoderPayloadsDoNotAliasInput(t *testing.T) {
	encoded, _ := Encode(Frame{Type: TypePing, Payload: []byte("abc")}, 0)
	decoder := NewDecoder(0)
	frames, err := decoder.Feed(encoded)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for i := range encoded {
		encoded[i] = 0
	}
	if string(frames[0].Payload) != "abc" {
		t.Errorf("payload changed with input buffer: %q", frames[0].Payload)
	}
}

func TestReaderEOF(t *testing.T) {
	encoded, _ := Encode(Frame{Type: TypePing, Payload: []byte("x")}, 0)

	reader := NewReader(bytes.NewReader(encoded), 0)
	if _, err := reader.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, err := reader.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame at end = %v, want io.EOF", err)
	}

	truncated := NewReader(bytes.NewReader(encoded[:len(encoded)-1]), 0)
	if _, err := truncated.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame of truncated frame = %v, want io.ErrUnexpectedEOF", err)
	}
}

// A read error in the middle of a frame keeps the partial frame, and
// the next ReadFrame picks up where the stream left off.
func TestReaderResumesAfterReadError(t *testing.T) {
	encoded, _ := Encode(Frame{Type: TypePing, Payload: []byte("resumed")}, 0)

	reader := NewReader(iotest.TimeoutReader(iotest.OneByteReader(bytes.NewReader(encoded))), 0)
	if _, err := reader.ReadFrame(); !errors.Is(err, iotest.ErrTimeout) {
		t.Fatalf("first ReadFrame = %v, want the timeout", err)
	}
	frame, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame after timeout: %v", err)
	}
	if frame.Type != TypePing || string(frame.Payload) != "resumed" {
		t.Errorf("frame = %+v, want ping \"resumed\"", frame)
	}
}

func TestReaderDeliversFramesBeforeOversizedHeader(t *testing.T) {
	stream, _ := AppendFrame(nil, Frame{Type: TypePing, Payload: []byte("ok")}, 0)
	stream, _ = AppendFrame(stream, Frame{Type: TypePong, Payload: make([]byte, 200)}, 0)

	reader := NewReader(bytes.NewReader(stream), 100)
	frame, err := reader.ReadFrame()
	if err != nil || string(frame.Payload) != "ok" {
		t.Fatalf("ReadFrame = %+v, %v; want the frame before the oversized one", frame, err)
	}
	for range 2 {
		if _, err := reader.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("ReadFrame = %v, want ErrFrameTooLarge", err)
		}
	}
}

// A Reader over a stream that arrives one byte at a time decodes the
// same frames a single Feed does.
func TestReaderMatchesDecoderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frames := rapid.SliceOfN(frameGenerator(), 0, 10).Draw(t, "frames")
		var stream []byte
		for _, frame := range frames {
			stream, _ = AppendFrame(stream, frame, 0)
		}

		fed, err := NewDecoder(0).Feed(stream)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		reader := NewReader(iotest.OneByteReader(bytes.NewReader(stream)), 0)
		var read []Frame
		for {
			frame, err := reader.ReadFrame()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			read = append(read, frame)
		}
		if diff := cmp.Diff(normalize(fed), normalize(read)); diff != "" {
			t.Fatalf("Reader and Decoder disagree (-decoder +reader):\n%s", diff)
		}
	})
}

func frameGenerator() *rapid.Generator[Frame] {
	return rapid.Custom(func(t *rapid.T) Frame {
		return Frame{
			Type:       MessageType(rapid.IntRange(1, 0x7F).Draw(t, "type")),
			Compressed: rapid.Bool().Draw(t, "compressed"),
			Payload:    rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "payload"),
		}
	})
}

// Any split of the encoded stream decodes to the frames that were
// encoded, in order.
func TestDecoderResumableProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frames := rapid.SliceOfN(frameGenerator(), 0, 20).Draw(t, "frames")

		var stream []byte
		for _, frame := range frames {
			var err error
			stream, err = AppendFrame(stream, frame, 0)
			if err != nil {
				t.Fatalf("AppendFrame: %v", err)
			}
		}

		cuts := rapid.SliceOfN(rapid.IntRange(0, len(stream)), 0, 16).Draw(t, "cuts")
		sort.Ints(cuts)

		decoder := NewDecoder(0)
		var decoded []Frame
		previous := 0
		for _, cut := range append(cuts, len(stream)) {
			got, err := decoder.Feed(stream[previous:cut])
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			decoded = append(decoded, got...)
			previous = cut
		}

		if decoder.Buffered() != 0 {
			t.Fatalf("%d bytes left buffered after a complete stream", decoder.Buffered())
		}
		if diff := cmp.Diff(normalize(frames), normalize(decoded)); diff != "" {
			t.Fatalf("decoded frames mismatch (-want +got):\n%s", diff)
		}
	})
}

// normalize maps nil and empty payloads to the same value so the
// comparison is about content.
func normalize(frames []Frame) []Frame {
	out := make([]Frame, len(frames))
	for i, frame := range frames {
		if len(frame.Payload) == 0 {
			frame.Payload = []byte{}
		}
		out[i] = frame
	}
	return out
}
