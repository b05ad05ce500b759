// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/clock"
)

// Memory keeps everything in process memory. Its contents survive
// plugin reconnects but not a core restart.
type Memory struct {
	clock     clock.Clock
	logger    *slog.Logger
	retention int

	mu            sync.Mutex
	subscriptions map[dispatch.PluginIdentity]capability.Set
	// failures is a ring of the newest retention records; next is the
	// slot the following record goes to.
	failures []DeliveryFailure
	next     int
}

// NewMemory returns an empty in-memory store.
func NewMemory(config Config) *Memory {
	config.applyDefaults()
	return &Memory{
		clock:         config.Clock,
		logger:        config.Logger,
		retention:     config.FailureRetention,
		subscriptions: make(map[dispatch.PluginIdentity]capability.Set),
	}
}

func (m *Memory) LoadSubscriptions(context.Context) ([]dispatch.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make(map[dispatch.PluginIdentity][]string, len(m.subscriptions))
	for identity, set := range m.subscriptions {
		names[identity] = set.Names()
	}
	return collect(names, m.logger), nil
}

func (m *Memory) PersistSubscriptionChange(_ context.Context, identity dispatch.PluginIdentity, category capability.Category, op dispatch.SubscriptionOp) error {
	if err := checkOp(op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subscriptions[identity]
	if op == dispatch.SubscriptionAdded {
		set = set.With(category)
	} else {
		set = set.Without(category)
	}
	if set.Empty() {
		delete(m.subscriptions, identity)
	} else {
		m.subscriptions[identity] = set
	}
	return nil
}

func (m *Memory) RecordDeliveryFailure(_ context.Context, event dispatch.Event, identity dispatch.PluginIdentity) error {
	failure := failureFor(event, identity, m.clock.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) < m.retention {
		m.failures = append(m.failures, failure)
	} else {
		m.failures[m.next] = failure
	}
	m.next = (m.next + 1) % m.retention
	return nil
}

func (m *Memory) DeliveryFailures(_ context.Context, limit int) ([]DeliveryFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.failures)
	if limit <= 0 || limit > count {
		limit = count
	}
	newest := make([]DeliveryFailure, 0, limit)
	for i := 1; i <= limit; i++ {
		newest = append(newest, m.failures[(m.next-i+count)%count])
	}
	return newest, nil
}

func (m *Memory) Close() error { return nil }
