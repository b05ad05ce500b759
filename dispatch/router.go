// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/flow"
	"github.com/bureau-foundation/maibot/lib/clock"
	"github.com/bureau-foundation/maibot/lib/workpool"
	"github.com/bureau-foundation/maibot/metrics"
	"github.com/bureau-foundation/maibot/wire"
)

// failureRecordTimeout bounds one RecordDeliveryFailure call.
const failureRecordTimeout = 5 * time.Second

// RouteReport counts what happened to one event.
type RouteReport struct {
	Delivered int
	// Dropped counts deliveries the session queue refused
	// (ErrCongestionDrop). Evictions of older items under drop_oldest
	// count as delivered for this event.
	Dropped int
	// Missed counts subscribers without a live session
	// (ErrRoutingMiss), including dormant subscriptions.
	Missed int
	// Abandoned counts sessions that closed while being delivered to.
	Abandoned int
}

// Router delivers platform events to the sessions subscribed to them.
type Router struct {
	index    *Index
	registry *Registry
	pool     *workpool.Pool
	store    SubscriptionStore
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	origins map[string]*originSequence
}

type originSequence struct {
	mu   sync.Mutex
	last uint64
}

// NewRouter returns a router. store may be nil, in which case
// delivery failures are only counted.
func NewRouter(index *Index, registry *Registry, pool *workpool.Pool, store SubscriptionStore, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Router{
		index:    index,
		registry: registry,
		pool:     pool,
		store:    store,
		clock:    clk,
		metrics:  m,
		logger:   logger,
		origins:  make(map[string]*originSequence),
	}
}

// Publish accepts a platform event: it checks the category, stamps the
// next sequence number for origin and the current time, and queues
// routing on the worker shard of origin. Events of one origin are
// routed in sequence order. Returns once routing is queued; ctx bounds
// only the wait for a full shard.
func (r *Router) Publish(ctx context.Context, origin string, category capability.Category, payload []byte) (Event, error) {
	if origin == "" {
		return Event{}, fmt.Errorf("%w: origin is empty", ErrInvalidEvent)
	}
	if category.Kind() != capability.KindEvent {
		return Event{}, fmt.Errorf("%w: %s is not an event category", ErrInvalidEvent, category)
	}

	sequence := r.origin(origin)
	sequence.mu.Lock()
	defer sequence.mu.Unlock()

	event := Event{
		Category:  category,
		Payload:   payload,
		Origin:    origin,
		Sequence:  sequence.last + 1,
		Timestamp: r.clock.Now(),
	}
	// The sequence is consumed even if queueing fails, so numbers are
	// never reused.
	sequence.last = event.Sequence

	err := r.pool.Submit(ctx, origin, func() {
		r.Route(event)
	})
	if err != nil {
		return Event{}, fmt.Errorf("queueing event %s/%d: %w", origin, event.Sequence, err)
	}
	r.metrics.EventRouted(category.String())
	return event, nil
}

func (r *Router) origin(origin string) *originSequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	sequence, ok := r.origins[origin]
	if !ok {
		sequence = &originSequence{}
		r.origins[origin] = sequence
	}
	return sequence
}

// Route delivers event to every live subscriber without blocking. The
// delivery frame is encoded once and shared by all sessions.
func (r *Router) Route(event Event) RouteReport {
	var report RouteReport

	frame, err := wire.MarshalFrame(wire.EventDelivery{
		Category:  event.Category.String(),
		Payload:   event.Payload,
		Sequence:  event.Sequence,
		Origin:    event.Origin,
		Timestamp: event.Timestamp.UnixMilli(),
	})
	if err != nil {
		r.logger.Error("encoding event delivery failed", "origin", event.Origin, "sequence", event.Sequence, "error", err)
		return report
	}

	for _, identity := range r.index.InterestedIn(event.Category) {
		session, err := r.registry.Lookup(identity)
		if err != nil {
			report.Missed++
			r.miss(event, identity)
			continue
		}
		outcome, err := session.deliver(frame)
		switch {
		case errors.Is(err, flow.ErrQueueClosed):
			report.Abandoned++
			r.metrics.DeliveryAbandoned()
			r.recordFailure(event, identity)
		case err != nil:
			r.logger.Error("delivery failed", "identity", string(identity), "error", err)
		case !outcome.Delivered():
			report.Dropped++
			r.logger.Debug("event dropped by congestion policy",
				"identity", string(identity),
				"origin", event.Origin,
				"sequence", event.Sequence,
				"error", ErrCongestionDrop,
			)
		default:
			report.Delivered++
		}
	}

	for _, identity := range r.index.Dormant(event.Category) {
		report.Missed++
		r.miss(event, identity)
	}
	return report
}

func (r *Router) miss(event Event, identity PluginIdentity) {
	r.metrics.RoutingMiss(event.Category.String())
	r.logger.Debug("routing miss",
		"identity", string(identity),
		"category", event.Category.String(),
		"error", ErrRoutingMiss,
	)
	r.recordFailure(event, identity)
}

// recordFailure hands the audit write to the identity's worker shard.
// The write is skipped, not waited for, when that shard is full.
func (r *Router) recordFailure(event Event, identity PluginIdentity) {
	if r.store == nil {
		return
	}
	queued := r.pool.TrySubmit(string(identity), func() {
		ctx, cancel := context.WithTimeout(context.Background(), failureRecordTimeout)
		defer cancel()
		if err := r.store.RecordDeliveryFailure(ctx, event, identity); err != nil {
			r.logger.Warn("recording delivery failure failed",
				"identity", string(identity),
				"origin", event.Origin,
				"sequence", event.Sequence,
				"error", err,
			)
		}
	})
	if !queued {
		r.logger.Debug("delivery failure not recorded, worker queue full", "identity", string(identity))
	}
}
