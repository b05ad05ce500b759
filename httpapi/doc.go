// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi is the core's operator and ingress HTTP surface.
//
//	GET  /ping           "pong"
//	GET  /healthz        liveness and queue state
//	GET  /metrics        Prometheus exposition
//	GET  /v1/sessions    live plugin sessions
//	GET  /v1/failures    recent delivery failures (when a store is configured)
//	POST /v1/events      platform event ingress, rate limited per client
package httpapi
