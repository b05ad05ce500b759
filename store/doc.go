// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists plugin subscriptions and the delivery failure
// audit trail for the dispatch core.
//
// Four backends implement [Store]: [Memory] for tests and single-run
// development, [SQLite] for a single host, [Redis] when several core
// processes share state, and [Badger] for an embedded store without
// cgo-free SQLite's write amplification. [Open] selects one by driver
// name.
//
// Subscriptions are stored by category name, not by bit position, so
// that a catalog change never silently rebinds a stored subscription.
// Names the running catalog does not know are skipped on load with a
// warning.
package store
