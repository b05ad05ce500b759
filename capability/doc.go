// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability defines the closed catalog of event and action
// categories a plugin can be granted.
//
// Categories travel on the wire as dotted names ("chat.read") but are
// held in memory as a small integer enumeration, and a grant is a
// bitset over that enumeration. Membership checks are a single AND,
// and anything outside the catalog is rejected at the edge instead of
// flowing through the core as an arbitrary string.
//
// The catalog is versioned. Adding a category bumps CatalogVersion;
// categories are never renumbered or removed, because persisted
// subscriptions and configured grants refer to them by name.
package capability
