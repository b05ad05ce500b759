// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"slices"
	"sync"

	"github.com/bureau-foundation/maibot/capability"
)

// Index maps event categories to the identities subscribed to them.
//
// A subscription is either live (its identity has a registered
// session and receives deliveries) or dormant (persisted, but the
// plugin is not connected). Only live subscriptions are ever returned
// by InterestedIn. Detach and Attach move an identity's subscriptions
// between the two states in one step.
type Index struct {
	mu         sync.RWMutex
	byCategory map[capability.Category]map[PluginIdentity]struct{}
	live       map[PluginIdentity]capability.Set
	dormant    map[PluginIdentity]capability.Set
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byCategory: make(map[capability.Category]map[PluginIdentity]struct{}),
		live:       make(map[PluginIdentity]capability.Set),
		dormant:    make(map[PluginIdentity]capability.Set),
	}
}

// Subscribe adds a live subscription. Reports whether anything
// changed; subscribing twice is a no-op.
func (x *Index) Subscribe(identity PluginIdentity, category capability.Category) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.live[identity].Has(category) {
		return false
	}
	x.setDormantLocked(identity, x.dormant[identity].Without(category))
	x.addLiveLocked(identity, category)
	return true
}

// Unsubscribe removes a subscription, live or dormant. Reports whether
// anything changed.
func (x *Index) Unsubscribe(identity PluginIdentity, category capability.Category) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	changed := false
	if set := x.live[identity]; set.Has(category) {
		x.setLiveLocked(identity, set.Without(category))
		if members := x.byCategory[category]; members != nil {
			delete(members, identity)
			if len(members) == 0 {
				delete(x.byCategory, category)
			}
		}
		changed = true
	}
	if set := x.dormant[identity]; set.Has(category) {
		x.setDormantLocked(identity, set.Without(category))
		changed = true
	}
	return changed
}

// InterestedIn returns the identities with a live subscription to
// category, sorted. The slice is a snapshot owned by the caller.
func (x *Index) InterestedIn(category capability.Category) []PluginIdentity {
	x.mu.RLock()
	members := x.byCategory[category]
	identities := make([]PluginIdentity, 0, len(members))
	for identity := range members {
		identities = append(identities, identity)
	}
	x.mu.RUnlock()
	slices.Sort(identities)
	return identities
}

// Dormant returns the identities holding a dormant subscription to
// category, sorted.
func (x *Index) Dormant(category capability.Category) []PluginIdentity {
	x.mu.RLock()
	var identities []PluginIdentity
	for identity, set := range x.dormant {
		if set.Has(category) {
			identities = append(identities, identity)
		}
	}
	x.mu.RUnlock()
	slices.Sort(identities)
	return identities
}

// Subscriptions returns an identity's live subscription set.
func (x *Index) Subscriptions(identity PluginIdentity) capability.Set {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.live[identity]
}

// Detach turns every live subscription of identity dormant, returning
// the set that was live. Called when the identity's session leaves
// the registry.
func (x *Index) Detach(identity PluginIdentity) capability.Set {
	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.live[identity]
	if set.Empty() {
		return 0
	}
	for _, category := range set.Categories() {
		if members := x.byCategory[category]; members != nil {
			delete(members, identity)
			if len(members) == 0 {
				delete(x.byCategory, category)
			}
		}
	}
	delete(x.live, identity)
	x.setDormantLocked(identity, x.dormant[identity].Union(set))
	return set
}

// Attach makes the dormant subscriptions of identity that fall within
// granted live again, returning them. Dormant subscriptions outside
// granted stay dormant, so a plugin whose grant is widened later gets
// them back on its next connection.
func (x *Index) Attach(identity PluginIdentity, granted capability.Set) capability.Set {
	x.mu.Lock()
	defer x.mu.Unlock()
	dormant := x.dormant[identity]
	restored := dormant.Intersect(granted)
	if restored.Empty() {
		return 0
	}
	x.setDormantLocked(identity, dormant.Difference(restored))
	for _, category := range restored.Categories() {
		x.addLiveLocked(identity, category)
	}
	return restored
}

// Restore loads persisted subscriptions as dormant records. Identities
// that already have live subscriptions are merged.
func (x *Index) Restore(subscriptions []Subscription) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, subscription := range subscriptions {
		pending := subscription.Categories.Difference(x.live[subscription.Identity])
		x.setDormantLocked(subscription.Identity, x.dormant[subscription.Identity].Union(pending))
	}
}

// Counts returns the number of live and dormant (identity, category)
// pairs.
func (x *Index) Counts() (live, dormant int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, set := range x.live {
		live += set.Len()
	}
	for _, set := range x.dormant {
		dormant += set.Len()
	}
	return live, dormant
}

func (x *Index) addLiveLocked(identity PluginIdentity, category capability.Category) {
	x.setLiveLocked(identity, x.live[identity].With(category))
	members := x.byCategory[category]
	if members == nil {
		members = make(map[PluginIdentity]struct{})
		x.byCategory[category] = members
	}
	members[identity] = struct{}{}
}

func (x *Index) setLiveLocked(identity PluginIdentity, set capability.Set) {
	if set.Empty() {
		delete(x.live, identity)
		return
	}
	x.live[identity] = set
}

func (x *Index) setDormantLocked(identity PluginIdentity, set capability.Set) {
	if set.Empty() {
		delete(x.dormant, identity)
		return
	}
	x.dormant[identity] = set
}
