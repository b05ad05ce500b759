// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConnCompressedExchange(t *testing.T) {
	t.Parallel()

	left, right := net.Pipe()
	sender := NewConn(left, 0)
	receiver := NewConn(right, 0)
	defer sender.Close()
	defer receiver.Close()

	sender.SetCompression(CompressionZstd, 64)
	receiver.SetCompression(CompressionZstd, 64)

	want := EventDelivery{
		Category: "chat.read",
		Payload:  bytes.Repeat([]byte("hello plugin "), 100),
		Sequence: 1,
		Origin:   "loopback",
	}

	// The raw reader sees the compressed flag; Conn hides it.
	errs := make(chan error, 1)
	go func() { errs <- sender.WriteMessage(want) }()

	frame, err := receiver.reader.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if !frame.Compressed {
		t.Fatal("large payload was sent uncompressed")
	}

	go func() { errs <- sender.WriteMessage(want) }()
	got, err := receiver.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestConnRejectsUnnegotiatedCompression(t *testing.T) {
	t.Parallel()

	left, right := net.Pipe()
	sender := NewConn(left, 0)
	receiver := NewConn(right, 0)
	defer sender.Close()
	defer receiver.Close()

	sender.SetCompression(CompressionLZ4, 1)

	go sender.WriteMessage(Disconnect{Reason: string(bytes.Repeat([]byte("z"), 512))})
	if _, err := receiver.ReadMessage(); err == nil {
		t.Fatal("receiver accepted a compressed frame it never negotiated")
	}
}
