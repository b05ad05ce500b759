// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package completion provides a value that is resolved exactly once.
//
// A Completion is what an operation returns when its outcome depends
// on something external, such as a platform adapter acknowledging an
// action. The producer calls Resolve when the outcome is known; the
// consumer either waits (Wait, Done) or registers a callback
// (OnResolve) that runs at resolution time without parking a worker.
//
//	pending := completion.New[Receipt]()
//	go func() { pending.Resolve(send(action)) }()
//	pending.OnResolve(func(receipt Receipt, err error) { ... })
package completion
