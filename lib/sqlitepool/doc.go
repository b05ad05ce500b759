// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool behind the core's
// durable subscription store.
//
// It wraps zombiezen.com/go/sqlite with fixed pragmas: WAL journal,
// NORMAL synchronous (survives process crashes, not power loss), a
// five second busy timeout, and in-memory temp storage. Connections
// are prepared lazily; Config.OnConnect runs once per connection after
// the pragmas and is where callers create their schema.
//
// Connections are not safe for concurrent use. Either Take and Put a
// connection explicitly or run a function with [Pool.With]:
//
//	err := pool.With(ctx, func(conn *sqlite.Conn) error {
//		return sqlitex.Execute(conn, "DELETE FROM subscriptions", nil)
//	})
package sqlitepool
