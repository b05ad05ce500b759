// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/testutil"
	"github.com/bureau-foundation/maibot/wire"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "maibot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "MAIBOT_CONFIG environment variable not set") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadFromEnvironmentVariable(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
listen:
  network: tcp
  address: 127.0.0.1:7400
flow:
  congestion_drop_policy: block
protocol:
  handshake_timeout: 3s
`)
	t.Setenv(EnvironmentVariable, path)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Listen.Network != "tcp" || c.Listen.Address != "127.0.0.1:7400" {
		t.Errorf("listen = %+v", c.Listen)
	}
	if c.Flow.CongestionDropPolicy != "block" {
		t.Errorf("congestion_drop_policy = %q", c.Flow.CongestionDropPolicy)
	}
	if c.Protocol.HandshakeTimeout != 3*time.Second {
		t.Errorf("handshake_timeout = %v, want 3s", c.Protocol.HandshakeTimeout)
	}
	// Untouched keys keep their defaults.
	if c.Flow.PerSessionQueueCapacity != 256 {
		t.Errorf("per_session_queue_capacity = %d, want default 256", c.Flow.PerSessionQueueCapacity)
	}
}

func TestEnvironmentSectionOverridesBase(t *testing.T) {
	c, err := Parse([]byte(`
environment: production
flow:
  per_session_queue_capacity: 64
log:
  level: debug
production:
  flow:
    per_session_queue_capacity: 1024
development:
  flow:
    per_session_queue_capacity: 8
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Flow.PerSessionQueueCapacity != 1024 {
		t.Errorf("per_session_queue_capacity = %d, want production value 1024", c.Flow.PerSessionQueueCapacity)
	}
	if c.Log.Level != "debug" {
		t.Errorf("log.level = %q; a section without log keys must keep the base value", c.Log.Level)
	}
}

func TestProductionWithoutSectionLogsJSON(t *testing.T) {
	c, err := Parse([]byte("environment: production\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Log.Format != "json" {
		t.Errorf("log.format = %q, want json", c.Log.Format)
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("MAIBOT_TEST_TOKEN", "from-env")
	t.Setenv("MAIBOT_TEST_UNSET", "")
	c, err := Parse([]byte(`
listen:
  address: ${MAIBOT_TEST_UNSET:-/tmp/maibot}/plugins.sock
auth:
  plugins:
    - identity: echo
      token: ${MAIBOT_TEST_TOKEN}
      capabilities: [chat.read]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Listen.Address != "/tmp/maibot/plugins.sock" {
		t.Errorf("listen.address = %q", c.Listen.Address)
	}
	if c.Auth.Plugins[0].Token != "from-env" {
		t.Errorf("token = %q, want from-env", c.Auth.Plugins[0].Token)
	}
}

func TestValidateCollectsEveryError(t *testing.T) {
	c := Default()
	c.Environment = "staging"
	c.Listen.Network = "udp"
	c.Flow.CongestionDropPolicy = "random"
	c.Flow.GlobalHighWaterBytes = 100
	c.Flow.GlobalLowWaterBytes = 200
	c.Store.Driver = "sqlite"
	c.Platform.Adapter = "webhook"
	c.Protocol.Compression = []string{"brotli"}

	err := c.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{
		"environment",
		"listen.network",
		"congestion_drop_policy",
		"global_low_water_bytes",
		"store.path",
		"webhook_url",
		"protocol.compression",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error does not mention %s:\n%v", want, err)
		}
	}
}

func TestPluginGrants(t *testing.T) {
	hash := dispatch.HashToken("hashed-secret")
	c := Default()
	c.Auth.Plugins = []PluginConfig{
		{Identity: "echo", Token: "secret", Capabilities: []string{"chat.read", "chat.send"}},
		{Identity: "audit", TokenHash: hash.String(), Capabilities: []string{"chat.recalled"}},
	}
	grants, err := c.PluginGrants()
	if err != nil {
		t.Fatalf("PluginGrants: %v", err)
	}
	want := []dispatch.PluginGrant{
		{Identity: "echo", TokenHash: dispatch.HashToken("secret"), Allowed: capability.Of(capability.ChatRead, capability.ChatSend)},
		{Identity: "audit", TokenHash: hash, Allowed: capability.Of(capability.ChatRecalled)},
	}
	if diff := cmp.Diff(want, grants); diff != "" {
		t.Errorf("grants (-want +got):\n%s", diff)
	}
}

func TestPluginGrantsRejectsBadEntries(t *testing.T) {
	c := Default()
	c.Auth.Plugins = []PluginConfig{
		{Identity: "echo", Token: "a", TokenHash: "b"},
		{Identity: "echo", Token: "a"},
		{Identity: "bad id", Token: "a"},
		{Identity: "nohash"},
		{Identity: "typo", Token: "a", Capabilities: []string{"chat.reed"}},
		{Identity: "short", TokenHash: "abcd"},
	}
	_, err := c.PluginGrants()
	if err == nil {
		t.Fatal("PluginGrants accepted bad entries")
	}
	for _, want := range []string{"not both", "listed twice", "invalid character", "token or token_hash is required", "chat.reed", "(short)"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestCompressions(t *testing.T) {
	c := Default()
	c.Protocol.Compression = []string{"none", "lz4", "zstd"}
	got, err := c.Compressions()
	if err != nil {
		t.Fatalf("Compressions: %v", err)
	}
	if diff := cmp.Diff([]wire.Compression{wire.CompressionLZ4, wire.CompressionZstd}, got); diff != "" {
		t.Errorf("compressions (-want +got):\n%s", diff)
	}
}

func TestWriteDefault(t *testing.T) {
	t.Setenv("MAIBOT_ECHO_TOKEN", "")
	path := filepath.Join(t.TempDir(), "maibot.yaml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default file does not validate: %v", err)
	}
	if c.Auth.Plugins[0].Token != "change-me" {
		t.Errorf("echo token = %q, want the change-me default", c.Auth.Plugins[0].Token)
	}

	if err := WriteDefault(path, false); !errors.Is(err, ErrExists) {
		t.Errorf("second WriteDefault = %v, want ErrExists", err)
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("WriteDefault with overwrite: %v", err)
	}
}

func TestWatchReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "flow:\n  per_session_queue_capacity: 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	reloads := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, testutil.Logger(), func(c *Config) { reloads <- c })
	}()
	defer func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "Watch did not return")
	}()

	// The watch is registered asynchronously; keep rewriting until a
	// reload shows up.
	var reloaded *Config
	testutil.Eventually(t, 5*time.Second, func() bool {
		writeConfig(t, dir, "flow:\n  per_session_queue_capacity: 20\n")
		select {
		case reloaded = <-reloads:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, "config change never reloaded")
	if reloaded.Flow.PerSessionQueueCapacity != 20 {
		t.Errorf("reloaded capacity = %d, want 20", reloaded.Flow.PerSessionQueueCapacity)
	}

	// Let writes still inside the debounce window settle.
	time.Sleep(200 * time.Millisecond)
	for len(reloads) > 0 {
		<-reloads
	}
	writeConfig(t, dir, "flow:\n  congestion_drop_policy: random\n")
	testutil.RequireNoReceive(t, reloads, 300*time.Millisecond, "invalid config was delivered")
}
