// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/clock"
)

// DefaultFailureRetention is how many delivery failures a store keeps.
const DefaultFailureRetention = 10000

// DeliveryFailure records an event that could not reach a subscriber.
type DeliveryFailure struct {
	Identity   dispatch.PluginIdentity `cbor:"identity" json:"identity"`
	Category   string                  `cbor:"category" json:"category"`
	Origin     string                  `cbor:"origin" json:"origin"`
	Sequence   uint64                  `cbor:"sequence" json:"sequence"`
	EventTime  time.Time               `cbor:"event_time" json:"event_time"`
	RecordedAt time.Time               `cbor:"recorded_at" json:"recorded_at"`
}

// Store is a dispatch.SubscriptionStore that can also report the
// failures it recorded.
type Store interface {
	dispatch.SubscriptionStore

	// DeliveryFailures returns up to limit failures, newest first.
	DeliveryFailures(ctx context.Context, limit int) ([]DeliveryFailure, error)

	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverBadger = "badger"
)

// Config selects and configures a backend.
type Config struct {
	Driver string

	// Path is the SQLite database file or the Badger directory.
	Path string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	// RedisPrefix namespaces every key ("maibot").
	RedisPrefix string

	// FailureRetention bounds the audit trail (DefaultFailureRetention).
	FailureRetention int

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.FailureRetention <= 0 {
		c.FailureRetention = DefaultFailureRetention
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "maibot"
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Open creates the backend named by config.Driver.
func Open(ctx context.Context, config Config) (Store, error) {
	config.applyDefaults()
	switch config.Driver {
	case DriverMemory, "":
		return NewMemory(config), nil
	case DriverSQLite:
		return OpenSQLite(ctx, config)
	case DriverRedis:
		return OpenRedis(ctx, config)
	case DriverBadger:
		return OpenBadger(config)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", config.Driver)
	}
}

// failureFor builds the audit record for an undeliverable event.
func failureFor(event dispatch.Event, identity dispatch.PluginIdentity, now time.Time) DeliveryFailure {
	return DeliveryFailure{
		Identity:   identity,
		Category:   event.Category.String(),
		Origin:     event.Origin,
		Sequence:   event.Sequence,
		EventTime:  event.Timestamp.UTC(),
		RecordedAt: now.UTC(),
	}
}

// collect turns stored (identity, category name) pairs into
// subscriptions ordered by identity, dropping names the catalog does
// not know.
func collect(names map[dispatch.PluginIdentity][]string, logger *slog.Logger) []dispatch.Subscription {
	subscriptions := make([]dispatch.Subscription, 0, len(names))
	for identity, categories := range names {
		set, unknown := capability.ParseSet(categories)
		if len(unknown) > 0 {
			logger.Warn("skipping stored subscriptions to unknown categories",
				"identity", string(identity),
				"categories", unknown,
			)
		}
		set = set.OfKind(capability.KindEvent)
		if set.Empty() {
			continue
		}
		subscriptions = append(subscriptions, dispatch.Subscription{Identity: identity, Categories: set})
	}
	slices.SortFunc(subscriptions, func(a, b dispatch.Subscription) int {
		return strings.Compare(string(a.Identity), string(b.Identity))
	})
	return subscriptions
}

func checkOp(op dispatch.SubscriptionOp) error {
	if op != dispatch.SubscriptionAdded && op != dispatch.SubscriptionRemoved {
		return fmt.Errorf("store: unknown subscription op %s", op)
	}
	return nil
}
