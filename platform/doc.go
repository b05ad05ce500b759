// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform holds the dispatch.PlatformAdapter implementations
// the core ships with: [Loopback], which performs actions in process,
// and [Webhook], which forwards them to an HTTP endpoint.
package platform
