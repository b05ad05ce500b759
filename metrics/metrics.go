// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus instruments of the dispatch
// layer. A nil *Metrics is valid and records nothing, so components
// built without a registry need no special casing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "maibot"

// Metrics is the set of dispatch-layer instruments.
type Metrics struct {
	factory promauto.Factory

	sessions          prometheus.Gauge
	handshakes        *prometheus.CounterVec
	queueDrops        *prometheus.CounterVec
	routingMisses     *prometheus.CounterVec
	eventsRouted      *prometheus.CounterVec
	deliveryAbandoned prometheus.Counter
	actions           *prometheus.CounterVec
	acceptPaused      prometheus.Gauge
	protocolErrors    *prometheus.CounterVec
	subscriptions     *prometheus.GaugeVec
}

// New registers the instruments with registerer. Registering twice on
// the same registerer panics, as promauto does.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		factory: factory,
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live plugin sessions",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes by result (accepted or a reject reason)",
		}, []string{"result"}),
		queueDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drops_total",
			Help:      "Outbound items dropped by a full session queue",
		}, []string{"policy"}),
		routingMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_misses_total",
			Help:      "Events whose subscriber had no live session",
		}, []string{"category"}),
		eventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "Events accepted for routing",
		}, []string{"category"}),
		deliveryAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_abandoned_total",
			Help:      "Deliveries abandoned because the target session closed",
		}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Plugin actions by outcome",
		}, []string{"outcome"}),
		acceptPaused: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accept_paused",
			Help:      "1 while the listener is paused by the global watermark",
		}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed for protocol violations",
		}, []string{"kind"}),
		subscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Subscriptions by state (live or dormant)",
		}, []string{"state"}),
	}
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// Handshake records a handshake result: "accepted" or a reject reason.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// QueueDrop records one item dropped under policy.
func (m *Metrics) QueueDrop(policy string) {
	if m == nil {
		return
	}
	m.queueDrops.WithLabelValues(policy).Inc()
}

// RoutingMiss records an event that found no live session for a
// subscriber.
func (m *Metrics) RoutingMiss(category string) {
	if m == nil {
		return
	}
	m.routingMisses.WithLabelValues(category).Inc()
}

// EventRouted records an event accepted for routing.
func (m *Metrics) EventRouted(category string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(category).Inc()
}

// DeliveryAbandoned records a delivery to a session that closed.
func (m *Metrics) DeliveryAbandoned() {
	if m == nil {
		return
	}
	m.deliveryAbandoned.Inc()
}

// Action records an action outcome.
func (m *Metrics) Action(outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(outcome).Inc()
}

// WatchQueuedBytes exports the global queued byte total, read from
// bytes at scrape time. Call once.
func (m *Metrics) WatchQueuedBytes(bytes func() int64) {
	if m == nil {
		return
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queued_bytes",
		Help:      "Bytes held in all session queues",
	}, func() float64 { return float64(bytes()) })
}

// AcceptPaused records the listener pause state.
func (m *Metrics) AcceptPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.acceptPaused.Set(1)
	} else {
		m.acceptPaused.Set(0)
	}
}

// ProtocolError records a connection closed for a protocol violation.
func (m *Metrics) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(kind).Inc()
}

// Subscriptions sets the live and dormant subscription counts.
func (m *Metrics) Subscriptions(live, dormant int) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues("live").Set(float64(live))
	m.subscriptions.WithLabelValues("dormant").Set(float64(dormant))
}
