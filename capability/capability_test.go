// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseRoundTripsEveryCategory(t *testing.T) {
	for _, category := range All() {
		parsed, err := Parse(category.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", category, err)
		}
		if parsed != category {
			t.Errorf("Parse(%q) = %d, want %d", category, parsed, category)
		}
	}
}

func TestParseUnknown(t *testing.T) {
	_, err := Parse("chat.teleport")
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("Parse unknown = %v, want ErrUnknownCategory", err)
	}
}

func TestKinds(t *testing.T) {
	tests := []struct {
		name string
		want Kind
	}{
		{"chat.read", KindEvent},
		{"member.joined", KindEvent},
		{"chat.send", KindAction},
		{"platform.call", KindAction},
	}
	for _, test := range tests {
		if got := MustParse(test.name).Kind(); got != test.want {
			t.Errorf("%s kind = %v, want %v", test.name, got, test.want)
		}
	}
	if Category(0).Kind() != 0 {
		t.Error("zero category has a kind")
	}
}

func TestSetOperations(t *testing.T) {
	requested := Of(ChatRead, ChatSend, MemberKick)
	allowed := Of(ChatRead, ChatSend, MemberJoined)

	granted := requested.Intersect(allowed)
	if diff := cmp.Diff([]string{"chat.read", "chat.send"}, granted.Names()); diff != "" {
		t.Errorf("granted mismatch (-want +got):\n%s", diff)
	}
	if granted.Has(MemberKick) {
		t.Error("intersection kept a category missing from allowed")
	}
	if got := granted.OfKind(KindAction).Names(); len(got) != 1 || got[0] != "chat.send" {
		t.Errorf("OfKind(action) = %v", got)
	}
	if !granted.Without(ChatRead).Without(ChatSend).Empty() {
		t.Error("removing every member did not empty the set")
	}
	if Of(Category(0), lastCategory).Len() != 0 {
		t.Error("invalid categories were added to a set")
	}
}

func TestParseSetSeparatesUnknown(t *testing.T) {
	set, unknown := ParseSet([]string{"chat.read", "chat.read", "future.thing", "chat.send"})
	if set.Len() != 2 {
		t.Errorf("set has %d members, want 2", set.Len())
	}
	if diff := cmp.Diff([]string{"future.thing"}, unknown); diff != "" {
		t.Errorf("unknown mismatch (-want +got):\n%s", diff)
	}
}

func TestCatalogFitsInSet(t *testing.T) {
	if int(lastCategory) > 64 {
		t.Fatalf("catalog has %d entries, Set holds 63", lastCategory-1)
	}
}
