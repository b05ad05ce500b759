// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package flow bounds the memory the core spends on slow plugins.
//
// Each session owns a [Queue] of fixed capacity. Producers that must
// never stall (the event router) use [Queue.Offer], which applies the
// queue's overflow [Policy] instead of waiting; producers that own
// the session's backpressure (action results) use [Queue.Put], which
// waits for space. A queue that starts dropping raises a Congested
// signal to its consumer and a Recovered signal once it has drained
// to half capacity.
//
// A [Controller] sums queued bytes across every queue. Crossing the
// high-water mark pauses connection acceptance until the total falls
// back to the low-water mark.
package flow
