// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the MaiBot
// binaries: reporting a fatal error before the structured logger
// exists, and the signal-cancelled root context.
package process
