// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/maibot/capability"
)

// TokenHash is the BLAKE3 keyed hash of a plugin token. Only hashes
// are held in memory after configuration load.
type TokenHash [32]byte

// tokenDomainKey separates token hashes from any other use of BLAKE3
// with the same input. The bytes are the ASCII domain name,
// zero-padded to 32 bytes.
var tokenDomainKey = [32]byte{
	'm', 'a', 'i', 'b', 'o', 't', '.', 'p', 'l', 'u', 'g', 'i', 'n', '.',
	't', 'o', 'k', 'e', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashToken returns the keyed hash of token.
func HashToken(token string) TokenHash {
	hasher, err := blake3.NewKeyed(tokenDomainKey[:])
	if err != nil {
		panic("dispatch: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(token))
	var hash TokenHash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// ParseTokenHash parses the hex form produced by TokenHash.String.
func ParseTokenHash(text string) (TokenHash, error) {
	var hash TokenHash
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return hash, fmt.Errorf("parsing token hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("token hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func (h TokenHash) String() string { return hex.EncodeToString(h[:]) }

// PluginGrant is one row of the configured plugin table.
type PluginGrant struct {
	Identity  PluginIdentity
	TokenHash TokenHash
	// Allowed bounds what a handshake can be granted.
	Allowed capability.Set
}

// Authenticator checks handshake credentials against the plugin
// table. The table can be replaced at runtime; sessions already open
// keep the grant they were given.
type Authenticator struct {
	mu      sync.RWMutex
	plugins map[PluginIdentity]PluginGrant
}

// NewAuthenticator returns an authenticator over grants.
func NewAuthenticator(grants []PluginGrant) *Authenticator {
	authenticator := &Authenticator{}
	authenticator.Update(grants)
	return authenticator
}

// Update replaces the plugin table.
func (a *Authenticator) Update(grants []PluginGrant) {
	plugins := make(map[PluginIdentity]PluginGrant, len(grants))
	for _, grant := range grants {
		plugins[grant.Identity] = grant
	}
	a.mu.Lock()
	a.plugins = plugins
	a.mu.Unlock()
}

// Len returns the number of configured plugins.
func (a *Authenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.plugins)
}

var (
	errUnknownIdentity = errors.New("plugin is not configured")
	errTokenMismatch   = errors.New("token mismatch")
)

// Authenticate checks identity and token and returns the granted
// capability set: requested intersected with the configured
// allowance. Failures are *AuthError with reason bad_credentials,
// wrapping errUnknownIdentity or errTokenMismatch.
func (a *Authenticator) Authenticate(identity PluginIdentity, token string, requested capability.Set) (capability.Set, error) {
	a.mu.RLock()
	grant, ok := a.plugins[identity]
	a.mu.RUnlock()

	presented := HashToken(token)
	if !ok {
		return 0, rejectf(ReasonBadCredentials, "%w: %q", errUnknownIdentity, identity)
	}
	if subtle.ConstantTimeCompare(presented[:], grant.TokenHash[:]) != 1 {
		return 0, rejectf(ReasonBadCredentials, "%w for plugin %q", errTokenMismatch, identity)
	}
	return requested.Intersect(grant.Allowed), nil
}
