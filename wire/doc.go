// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the framed binary protocol spoken between the
// MaiBot core and plugin processes.
//
// Every message on a plugin connection is one frame:
//
//	[1 byte type tag] [4 byte big-endian payload length] [payload]
//
// The low seven bits of the type tag select the message type and the
// high bit marks a compressed payload. Payloads are CBOR (see
// lib/codec). The frame layer itself is payload-agnostic: a [Decoder]
// turns an arbitrarily split byte stream into frames, a [Reader] feeds
// a Decoder from a blocking stream, and a [Conn] reads through a
// Reader and adds message encoding, negotiated compression and write
// serialization on top of a socket.
//
// The package is organized as:
//
//   - frame.go: frame layout, encoding, the resumable [Decoder] and [Reader]
//   - message.go: message types and their CBOR bodies
//   - compress.go: negotiated zstd/lz4 payload compression
//   - conn.go: a message-level connection used by both core and plugins
package wire
