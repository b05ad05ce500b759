// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so that a hung goroutine fails the test with a message
// instead of stalling the whole run. [SocketDir] returns a short
// directory for Unix domain sockets, whose paths are limited to 108
// bytes. [Logger] returns a logger that only surfaces errors.
//
// All helpers call t.Fatalf on failure.
package testutil
