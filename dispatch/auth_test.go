// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/maibot/capability"
)

func TestIdentityValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		identity PluginIdentity
		valid    bool
	}{
		{"echo", true},
		{"maibot.plugins_weather-2", true},
		{"", false},
		{"has space", false},
		{"slash/name", false},
		{PluginIdentity(strings.Repeat("a", 128)), true},
		{PluginIdentity(strings.Repeat("a", 129)), false},
	}
	for _, test := range tests {
		err := test.identity.Validate()
		if (err == nil) != test.valid {
			t.Errorf("Validate(%q) = %v, want valid=%v", test.identity, err, test.valid)
		}
	}
}

func TestTokenHashRoundTrip(t *testing.T) {
	t.Parallel()

	hash := HashToken("secret")
	if hash == HashToken("secret2") {
		t.Fatal("different tokens hash equal")
	}
	parsed, err := ParseTokenHash(hash.String())
	if err != nil {
		t.Fatalf("ParseTokenHash: %v", err)
	}
	if parsed != hash {
		t.Error("parsed hash differs")
	}
	if _, err := ParseTokenHash("abcd"); err == nil {
		t.Error("short hash accepted")
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	authenticator := NewAuthenticator([]PluginGrant{{
		Identity:  "echo",
		TokenHash: HashToken("secret"),
		Allowed:   capability.Of(capability.ChatRead, capability.ChatSend),
	}})

	granted, err := authenticator.Authenticate("echo", "secret", capability.Of(capability.ChatRead, capability.MemberKick))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if granted != capability.Of(capability.ChatRead) {
		t.Errorf("granted = %v, want only chat.read", granted)
	}

	// Both failures share one reason on the wire; only the wrapped
	// error tells them apart.
	tests := []struct {
		name     string
		identity PluginIdentity
		token    string
		cause    error
	}{
		{"unknown identity", "stranger", "secret", errUnknownIdentity},
		{"bad token", "echo", "guess", errTokenMismatch},
	}
	for _, test := range tests {
		_, err := authenticator.Authenticate(test.identity, test.token, 0)
		var authError *AuthError
		if !errors.As(err, &authError) {
			t.Errorf("%s: error = %v, want *AuthError", test.name, err)
			continue
		}
		if authError.Reason != ReasonBadCredentials {
			t.Errorf("%s: reason = %s, want %s", test.name, authError.Reason, ReasonBadCredentials)
		}
		if !errors.Is(err, test.cause) {
			t.Errorf("%s: error = %v, want it to wrap %v", test.name, err, test.cause)
		}
		if !errors.Is(err, ErrAuth) {
			t.Errorf("%s: error does not wrap ErrAuth", test.name)
		}
	}
}

func TestAuthenticatorUpdate(t *testing.T) {
	t.Parallel()

	authenticator := NewAuthenticator(nil)
	if _, err := authenticator.Authenticate("echo", "secret", 0); err == nil {
		t.Fatal("empty table authenticated a plugin")
	}
	authenticator.Update([]PluginGrant{{Identity: "echo", TokenHash: HashToken("secret")}})
	if _, err := authenticator.Authenticate("echo", "secret", 0); err != nil {
		t.Errorf("Authenticate after Update: %v", err)
	}
	if authenticator.Len() != 1 {
		t.Errorf("Len = %d", authenticator.Len())
	}
}
