// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
)

// CatalogVersion identifies the set of categories below.
const CatalogVersion = 1

// Kind distinguishes categories a plugin receives from categories a
// plugin issues.
type Kind uint8

const (
	// KindEvent categories flow platform -> core -> plugin.
	KindEvent Kind = iota + 1
	// KindAction categories flow plugin -> core -> platform.
	KindAction
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindAction:
		return "action"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Category is one entry of the catalog. The zero value is invalid.
type Category uint8

const (
	// ChatRead is a chat message received on the platform.
	ChatRead Category = iota + 1
	// ChatRecalled is a previously delivered message withdrawn by its sender.
	ChatRecalled
	// MemberJoined is a user joining a group the bot is in.
	MemberJoined
	// MemberLeft is a user leaving or being removed from a group.
	MemberLeft
	// PlatformCallback carries adapter-specific callbacks (button
	// presses, inline query results).
	PlatformCallback
	// LifecycleNotice reports adapter connection state changes.
	LifecycleNotice

	// ChatSend posts a message.
	ChatSend
	// ChatRecall withdraws a message the bot sent.
	ChatRecall
	// MemberMute silences a group member.
	MemberMute
	// MemberKick removes a group member.
	MemberKick
	// PlatformCall invokes an adapter-specific API.
	PlatformCall

	lastCategory
)

type definition struct {
	name string
	kind Kind
}

var catalog = [lastCategory]definition{
	ChatRead:         {"chat.read", KindEvent},
	ChatRecalled:     {"chat.recalled", KindEvent},
	MemberJoined:     {"member.joined", KindEvent},
	MemberLeft:       {"member.left", KindEvent},
	PlatformCallback: {"platform.callback", KindEvent},
	LifecycleNotice:  {"lifecycle.notice", KindEvent},
	ChatSend:         {"chat.send", KindAction},
	ChatRecall:       {"chat.recall", KindAction},
	MemberMute:       {"member.mute", KindAction},
	MemberKick:       {"member.kick", KindAction},
	PlatformCall:     {"platform.call", KindAction},
}

var byName = func() map[string]Category {
	names := make(map[string]Category, len(catalog))
	for category := ChatRead; category < lastCategory; category++ {
		names[catalog[category].name] = category
	}
	return names
}()

// ErrUnknownCategory is returned when a name is not in the catalog.
var ErrUnknownCategory = errors.New("capability: unknown category")

// Parse resolves a wire name to its Category.
func Parse(name string) (Category, error) {
	if category, ok := byName[name]; ok {
		return category, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// MustParse is Parse for names known at compile time. Panics on an
// unknown name.
func MustParse(name string) Category {
	category, err := Parse(name)
	if err != nil {
		panic(err)
	}
	return category
}

// Valid reports whether c is a catalog entry.
func (c Category) Valid() bool { return c > 0 && c < lastCategory }

// Kind returns whether c is an event or an action category.
func (c Category) Kind() Kind {
	if !c.Valid() {
		return 0
	}
	return catalog[c].kind
}

// String returns the wire name.
func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("category(%d)", uint8(c))
	}
	return catalog[c].name
}

// MarshalText encodes the category as its wire name.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("capability: cannot marshal invalid category %d", uint8(c))
	}
	return []byte(catalog[c].name), nil
}

// UnmarshalText parses a wire name.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// All returns every catalog category in catalog order.
func All() []Category {
	all := make([]Category, 0, lastCategory-1)
	for category := ChatRead; category < lastCategory; category++ {
		all = append(all, category)
	}
	return all
}

// Set is a set of categories. The zero value is the empty set.
type Set uint64

// Of returns the set holding categories. Invalid categories are
// ignored.
func Of(categories ...Category) Set {
	var set Set
	for _, category := range categories {
		set = set.With(category)
	}
	return set
}

// ParseSet resolves names into a set, returning the names that are
// not in the catalog separately. Unknown names are not an error: a
// newer plugin may ask for categories this core does not know.
func ParseSet(names []string) (Set, []string) {
	var set Set
	var unknown []string
	for _, name := range names {
		category, err := Parse(name)
		if err != nil {
			unknown = append(unknown, name)
			continue
		}
		set = set.With(category)
	}
	return set, unknown
}

// Has reports membership.
func (s Set) Has(c Category) bool {
	return c.Valid() && s&(1<<c) != 0
}

// With returns s plus c.
func (s Set) With(c Category) Set {
	if !c.Valid() {
		return s
	}
	return s | 1<<c
}

// Without returns s minus c.
func (s Set) Without(c Category) Set {
	if !c.Valid() {
		return s
	}
	return s &^ (1 << c)
}

// Intersect returns the categories in both sets.
func (s Set) Intersect(other Set) Set { return s & other }

// Union returns the categories in either set.
func (s Set) Union(other Set) Set { return s | other }

// Difference returns the categories in s but not in other.
func (s Set) Difference(other Set) Set { return s &^ other }

// OfKind returns the subset of s with the given kind.
func (s Set) OfKind(kind Kind) Set {
	var filtered Set
	for _, category := range s.Categories() {
		if category.Kind() == kind {
			filtered = filtered.With(category)
		}
	}
	return filtered
}

// Empty reports whether s has no members.
func (s Set) Empty() bool { return s == 0 }

// Len returns the number of members.
func (s Set) Len() int { return bits.OnesCount64(uint64(s)) }

// Categories returns the members in catalog order.
func (s Set) Categories() []Category {
	categories := make([]Category, 0, s.Len())
	for category := ChatRead; category < lastCategory; category++ {
		if s.Has(category) {
			categories = append(categories, category)
		}
	}
	return categories
}

// Names returns the members' wire names, sorted.
func (s Set) Names() []string {
	names := make([]string, 0, s.Len())
	for _, category := range s.Categories() {
		names = append(names, category.String())
	}
	sort.Strings(names)
	return names
}

func (s Set) String() string {
	return fmt.Sprint(s.Names())
}
