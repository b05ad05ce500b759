// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that stamp events or schedule deferred work take a Clock
// instead of calling the time package directly. Production wiring uses
// Real; tests use Fake, whose time moves only when Advance is called
// and whose AfterFunc callbacks fire synchronously inside Advance.
//
// Socket deadlines are the one exception: net.Conn deadlines are
// compared against the kernel's wall clock, so code setting them uses
// time.Now directly.
package clock
