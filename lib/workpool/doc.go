// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workpool runs short tasks on a fixed set of goroutines.
//
// Each worker owns a bounded FIFO of tasks. Submit picks the worker by
// hashing a caller-supplied key, so tasks sharing a key run one at a
// time in submission order while tasks with different keys proceed in
// parallel. The router keys by event origin and the dispatcher by
// plugin identity; that is how per-origin and per-session ordering
// survive concurrent execution.
//
// The pool is sized independently of the number of connections. A task
// must not block on a single plugin: anything that waits on a
// particular session belongs to that session's own goroutines.
package workpool
