// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/wire"
)

// Set with -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns the one-line --version string.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns Info plus protocol, catalog and toolchain details.
func Full() string {
	return fmt.Sprintf("%s\n  Protocol: %d (minimum %d)\n  Capability catalog: %d\n  Go: %s\n  Platform: %s/%s",
		Info(),
		wire.ProtocolVersion, wire.MinProtocolVersion,
		capability.CatalogVersion,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Print writes the --version output for binary to stdout.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Full())
}
