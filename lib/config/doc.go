// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the MaiBot core's YAML configuration.
//
// Configuration comes from a single file named by the MAIBOT_CONFIG
// environment variable ([Load]) or a --config flag ([LoadFile]).
// There is no discovery and no fallback file; a missing path is an
// error. maibot-core init-config writes a starting file with
// [WriteDefault].
//
// The file may carry development and production sections. The
// section matching the environment key is decoded over the base
// values, so it only needs the keys it changes. Production without a
// section of its own logs JSON at info level.
//
// ${VAR} and ${VAR:-default} are expanded in the listen address, the
// store path, the webhook URL and plugin tokens, so secrets can stay
// in the environment. No other environment variable overrides the
// file.
//
// [Watch] reloads the file when it changes, for hot reload of the
// plugin table.
package config
