// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the MaiBot binaries.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected at
// build time with -ldflags -X and default to "unknown" / "0.1.0-dev"
// in development builds and tests:
//
//	go build -ldflags "-X github.com/bureau-foundation/maibot/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Full] adds the plugin protocol and capability catalog versions the
// binary speaks, which is what a plugin author needs when a handshake
// is refused for its version.
package version
