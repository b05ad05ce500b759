// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by everything that
// speaks the plugin wire protocol.
//
// JSON is used at the HTTP edge (event ingress, session listings,
// webhook actions); CBOR is used inside frames exchanged between the
// core and plugin processes. Both sides must encode identically, so
// the encoding mode lives here instead of in each package.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): the
// same message always produces the same bytes, which lets the router
// encode an event delivery once and hand the identical frame to every
// subscribed session.
//
// Message types carry `cbor` struct tags. Unknown fields are ignored
// on decode so that newer plugins can talk to older cores.
package codec
