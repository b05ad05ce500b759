// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"log/slog"
	"os"
	"testing"
)

// SocketDir creates a short-named temporary directory under /tmp for
// Unix domain sockets. t.TempDir can exceed the 108-byte sun_path
// limit under nested test runners. Removed when the test completes.
func SocketDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "maibot-")
	if err != nil {
		t.Fatalf("creating socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// Logger returns a logger writing only errors to stderr, so failing
// tests still show what went wrong without drowning passing runs.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
