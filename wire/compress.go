// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression is the payload compression negotiated for a connection.
// A connection uses at most one algorithm in both directions.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

// DefaultCompressionThreshold is the payload size below which frames
// are sent uncompressed even when compression is negotiated.
const DefaultCompressionThreshold = 1024

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name. The empty string is
// "none".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// NegotiateCompression returns the first entry of offered (the
// plugin's preference order) that is in enabled. Unknown names are
// skipped.
func NegotiateCompression(offered []string, enabled []Compression) Compression {
	for _, name := range offered {
		candidate, err := ParseCompression(name)
		if err != nil || candidate == CompressionNone {
			continue
		}
		for _, allowed := range enabled {
			if allowed == candidate {
				return candidate
			}
		}
	}
	return CompressionNone
}

// errIncompressible signals that compressing did not shrink the
// payload; the frame is then sent uncompressed.
var errIncompressible = errors.New("payload is incompressible")

// A compressed payload is the uncompressed length as a big-endian
// uint32 followed by the compressed block.
const sizePrefixLength = 4

// maxDecodedMemory caps zstd window allocation regardless of the
// declared size prefix.
const maxDecodedMemory = 64 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(maxDecodedMemory),
		zstd.WithDecodeAllCapLimit(true),
	)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload returns the compressed form of data, or
// errIncompressible when it would not be smaller.
func compressPayload(compression Compression, data []byte) ([]byte, error) {
	prefix := make([]byte, sizePrefixLength, sizePrefixLength+len(data))
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))

	var compressed []byte
	switch compression {
	case CompressionZstd:
		compressed = zstdEncoder.EncodeAll(data, prefix)
	case CompressionLZ4:
		destination := make([]byte, sizePrefixLength+lz4.CompressBlockBound(len(data)))
		copy(destination, prefix)
		written, err := lz4.CompressBlock(data, destination[sizePrefixLength:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 {
			return nil, errIncompressible
		}
		compressed = destination[:sizePrefixLength+written]
	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

// decompressPayload reverses compressPayload. The declared size is
// checked against maxPayload before the output buffer is allocated,
// and decoding stops once the output outgrows the declared size.
func decompressPayload(compression Compression, data []byte, maxPayload int) ([]byte, error) {
	if len(data) < sizePrefixLength {
		return nil, fmt.Errorf("%w: compressed payload shorter than its size prefix", ErrMalformed)
	}
	size := binary.BigEndian.Uint32(data)
	if uint64(size) > uint64(maxPayload) {
		return nil, &FrameTooLargeError{Length: uint64(size), Max: maxPayload}
	}
	body := data[sizePrefixLength:]

	switch compression {
	case CompressionZstd:
		// The decoder is capped at cap(dst).
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, fmt.Errorf("%w: zstd decompress: output exceeds declared size %d", ErrMalformed, size)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decompress: %v", ErrMalformed, err)
		}
		if len(result) != int(size) {
			return nil, fmt.Errorf("%w: zstd decompress: got %d bytes, expected %d", ErrMalformed, len(result), size)
		}
		return result, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 decompress: %v", ErrMalformed, err)
		}
		if read != int(size) {
			return nil, fmt.Errorf("%w: lz4 decompress: got %d bytes, expected %d", ErrMalformed, read, size)
		}
		return destination, nil
	default:
		return nil, fmt.Errorf("%w: compressed frame on a connection without compression", ErrMalformed)
	}
}
