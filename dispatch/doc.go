// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch is the core side of the plugin protocol: it accepts
// plugin connections, authenticates them, keeps one session per plugin
// identity, routes platform events to subscribed sessions and relays
// plugin actions to the platform adapter.
//
// The pieces, in the order a connection meets them:
//
//   - listener.go: accept loop, gated by the global flow watermark
//   - handshake.go, auth.go: the first frame, identity and token checks
//   - registry.go: live sessions by identity, duplicate handling
//   - session.go: per-connection reader, writer and result goroutines
//   - index.go: which identities want which event categories
//   - router.go: platform events to session queues
//   - dispatcher.go: plugin actions to the platform adapter
//   - core.go: wiring and the platform-facing entry points
//
// Each session has exactly one reader goroutine and one writer
// goroutine. Nothing outside a session writes to its socket except
// through its outbound queue, and nothing blocks the router on a slow
// plugin: delivery is a non-blocking offer that drops according to the
// configured policy when the plugin falls behind.
package dispatch
