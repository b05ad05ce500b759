// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/flow"
	"github.com/bureau-foundation/maibot/wire"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "MAIBOT_CONFIG"

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the core's configuration file.
type Config struct {
	Environment Environment `yaml:"environment"`

	Listen   ListenConfig   `yaml:"listen"`
	HTTP     HTTPConfig     `yaml:"http"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Flow     FlowConfig     `yaml:"flow"`
	Auth     AuthConfig     `yaml:"auth"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Store    StoreConfig    `yaml:"store"`
	Platform PlatformConfig `yaml:"platform"`
	Log      LogConfig      `yaml:"log"`

	// Per-environment sections, decoded over the base values.
	Development yaml.Node `yaml:"development,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// ListenConfig configures the plugin listener.
type ListenConfig struct {
	// Network is "unix" or "tcp".
	Network string `yaml:"network"`
	Address string `yaml:"address"`
	// AcceptRate is connections per second; zero is unlimited.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// HTTPConfig configures the operator and ingress HTTP server. An
// empty address disables it.
type HTTPConfig struct {
	Address              string `yaml:"address"`
	IngressRatePerMinute int    `yaml:"ingress_rate_per_minute"`
}

// ProtocolConfig configures framing and the handshake.
type ProtocolConfig struct {
	MaxFrameBytes        int           `yaml:"max_frame_bytes"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	Compression          []string      `yaml:"compression"`
	CompressionThreshold int           `yaml:"compression_threshold"`
}

// FlowConfig configures per-session queues and the global watermark.
type FlowConfig struct {
	PerSessionQueueCapacity int    `yaml:"per_session_queue_capacity"`
	GlobalHighWaterBytes    int64  `yaml:"global_high_water_bytes"`
	GlobalLowWaterBytes     int64  `yaml:"global_low_water_bytes"`
	CongestionDropPolicy    string `yaml:"congestion_drop_policy"`
	SignalCongestion        bool   `yaml:"signal_congestion"`
}

// AuthConfig holds the plugin table and identity policy.
type AuthConfig struct {
	DuplicateIdentityPolicy string         `yaml:"duplicate_identity_policy"`
	EvictionDrainTimeout    time.Duration  `yaml:"eviction_drain_timeout"`
	Plugins                 []PluginConfig `yaml:"plugins"`
}

// PluginConfig is one plugin table entry. Exactly one of Token and
// TokenHash is set; TokenHash is the hex BLAKE3 keyed hash printed by
// maibot-core hash-token.
type PluginConfig struct {
	Identity     string   `yaml:"identity"`
	Token        string   `yaml:"token,omitempty"`
	TokenHash    string   `yaml:"token_hash,omitempty"`
	Capabilities []string `yaml:"capabilities"`
}

// DispatchConfig sizes routing and action handling.
type DispatchConfig struct {
	WorkerCount        int `yaml:"worker_count"`
	WorkerQueueDepth   int `yaml:"worker_queue_depth"`
	MaxInflightActions int `yaml:"max_inflight_actions"`
}

// StoreConfig selects the subscription store.
type StoreConfig struct {
	// Driver is memory, sqlite, redis or badger.
	Driver string `yaml:"driver"`
	// Path is the SQLite file or Badger directory.
	Path             string      `yaml:"path"`
	Redis            RedisConfig `yaml:"redis"`
	FailureRetention int         `yaml:"failure_retention"`
}

// RedisConfig configures the redis store driver.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PlatformConfig selects the platform adapter.
type PlatformConfig struct {
	// Adapter is loopback or webhook.
	Adapter        string        `yaml:"adapter"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the values a file is decoded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			Network:     "unix",
			Address:     "/run/maibot/plugins.sock",
			AcceptBurst: 16,
		},
		HTTP: HTTPConfig{
			Address:              "127.0.0.1:7401",
			IngressRatePerMinute: 6000,
		},
		Protocol: ProtocolConfig{
			MaxFrameBytes:        wire.DefaultMaxPayload,
			HandshakeTimeout:     10 * time.Second,
			WriteTimeout:         10 * time.Second,
			CompressionThreshold: wire.DefaultCompressionThreshold,
		},
		Flow: FlowConfig{
			PerSessionQueueCapacity: 256,
			CongestionDropPolicy:    "drop_oldest",
		},
		Auth: AuthConfig{
			DuplicateIdentityPolicy: "reject",
			EvictionDrainTimeout:    5 * time.Second,
		},
		Dispatch: DispatchConfig{
			WorkerCount:        8,
			WorkerQueueDepth:   1024,
			MaxInflightActions: 64,
		},
		Store: StoreConfig{
			Driver:           "memory",
			FailureRetention: 10000,
			Redis:            RedisConfig{Prefix: "maibot"},
		},
		Platform: PlatformConfig{
			Adapter:        "loopback",
			WebhookTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load loads the file named by MAIBOT_CONFIG. It fails when the
// variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your maibot.yaml, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads a config file over Default, applies the environment
// section and expands variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config file content.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := c.applyEnvironment(); err != nil {
		return nil, err
	}
	c.expandVariables()
	return c, nil
}

func (c *Config) applyEnvironment() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Production:
		section = &c.Production
	default:
		// Reported by Validate.
		return nil
	}
	if section.IsZero() {
		if c.Environment == Production {
			c.Log = LogConfig{Level: "info", Format: "json"}
		}
		return nil
	}
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("parsing %s section: %w", c.Environment, err)
	}
	return nil
}

func (c *Config) expandVariables() {
	c.Listen.Address = expandVars(c.Listen.Address)
	c.Store.Path = expandVars(c.Store.Path)
	c.Store.Redis.Password = expandVars(c.Store.Redis.Password)
	c.Platform.WebhookURL = expandVars(c.Platform.WebhookURL)
	for i := range c.Auth.Plugins {
		c.Auth.Plugins[i].Token = expandVars(c.Auth.Plugins[i].Token)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the process
// environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Environment != Development && c.Environment != Production {
		add("environment must be development or production, got %q", c.Environment)
	}

	switch c.Listen.Network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		add("listen.network must be unix or tcp, got %q", c.Listen.Network)
	}
	if c.Listen.Address == "" {
		add("listen.address is required")
	}
	if c.Listen.AcceptRate < 0 {
		add("listen.accept_rate must not be negative")
	}
	if c.HTTP.IngressRatePerMinute < 0 {
		add("http.ingress_rate_per_minute must not be negative")
	}

	if c.Protocol.MaxFrameBytes <= 0 {
		add("protocol.max_frame_bytes must be positive")
	}
	if c.Protocol.HandshakeTimeout <= 0 {
		add("protocol.handshake_timeout must be positive")
	}
	if _, err := c.Compressions(); err != nil {
		add("protocol.compression: %w", err)
	}

	if c.Flow.PerSessionQueueCapacity <= 0 {
		add("flow.per_session_queue_capacity must be positive")
	}
	if _, err := flow.ParsePolicy(c.Flow.CongestionDropPolicy); err != nil {
		add("flow.congestion_drop_policy: %w", err)
	}
	if c.Flow.GlobalHighWaterBytes < 0 || c.Flow.GlobalLowWaterBytes < 0 {
		add("flow watermarks must not be negative")
	}
	if c.Flow.GlobalHighWaterBytes > 0 && c.Flow.GlobalLowWaterBytes >= c.Flow.GlobalHighWaterBytes {
		add("flow.global_low_water_bytes (%d) must be below global_high_water_bytes (%d)",
			c.Flow.GlobalLowWaterBytes, c.Flow.GlobalHighWaterBytes)
	}

	if _, err := dispatch.ParseDuplicatePolicy(c.Auth.DuplicateIdentityPolicy); err != nil {
		add("auth.duplicate_identity_policy: %w", err)
	}
	if _, err := c.PluginGrants(); err != nil {
		errs = append(errs, err)
	}

	if c.Dispatch.WorkerCount <= 0 || c.Dispatch.WorkerQueueDepth <= 0 {
		add("dispatch.worker_count and dispatch.worker_queue_depth must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "badger":
		if c.Store.Path == "" {
			add("store.path is required for the %s driver", c.Store.Driver)
		}
	case "redis":
		if c.Store.Redis.Address == "" {
			add("store.redis.address is required for the redis driver")
		}
	default:
		add("store.driver must be memory, sqlite, redis or badger, got %q", c.Store.Driver)
	}

	switch c.Platform.Adapter {
	case "loopback":
	case "webhook":
		if c.Platform.WebhookURL == "" {
			add("platform.webhook_url is required for the webhook adapter")
		}
	default:
		add("platform.adapter must be loopback or webhook, got %q", c.Platform.Adapter)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// Compressions parses protocol.compression.
func (c *Config) Compressions() ([]wire.Compression, error) {
	compressions := make([]wire.Compression, 0, len(c.Protocol.Compression))
	for _, name := range c.Protocol.Compression {
		compression, err := wire.ParseCompression(name)
		if err != nil {
			return nil, err
		}
		if compression != wire.CompressionNone {
			compressions = append(compressions, compression)
		}
	}
	return compressions, nil
}

// PluginGrants converts the plugin table, reporting every bad entry.
func (c *Config) PluginGrants() ([]dispatch.PluginGrant, error) {
	var errs []error
	grants := make([]dispatch.PluginGrant, 0, len(c.Auth.Plugins))
	seen := make(map[string]bool, len(c.Auth.Plugins))
	for i, plugin := range c.Auth.Plugins {
		where := fmt.Sprintf("auth.plugins[%d]", i)
		if plugin.Identity != "" {
			where = fmt.Sprintf("auth.plugins[%d] (%s)", i, plugin.Identity)
		}
		identity := dispatch.PluginIdentity(plugin.Identity)
		if err := identity.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		if seen[plugin.Identity] {
			errs = append(errs, fmt.Errorf("%s: identity listed twice", where))
		}
		seen[plugin.Identity] = true

		grant := dispatch.PluginGrant{Identity: identity}
		switch {
		case plugin.Token != "" && plugin.TokenHash != "":
			errs = append(errs, fmt.Errorf("%s: set token or token_hash, not both", where))
		case plugin.Token != "":
			grant.TokenHash = dispatch.HashToken(plugin.Token)
		case plugin.TokenHash != "":
			hash, err := dispatch.ParseTokenHash(plugin.TokenHash)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
			grant.TokenHash = hash
		default:
			errs = append(errs, fmt.Errorf("%s: token or token_hash is required", where))
		}

		allowed, unknown := capability.ParseSet(plugin.Capabilities)
		if len(unknown) > 0 {
			errs = append(errs, fmt.Errorf("%s: unknown capabilities %v", where, unknown))
		}
		grant.Allowed = allowed
		grants = append(grants, grant)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return grants, nil
}
