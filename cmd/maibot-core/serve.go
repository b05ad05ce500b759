// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/flow"
	"github.com/bureau-foundation/maibot/httpapi"
	"github.com/bureau-foundation/maibot/lib/config"
	"github.com/bureau-foundation/maibot/lib/version"
	"github.com/bureau-foundation/maibot/metrics"
	"github.com/bureau-foundation/maibot/platform"
	"github.com/bureau-foundation/maibot/store"
)

const shutdownTimeout = 15 * time.Second

// options carries what serve needs from the process. Tests supply
// their own registry so repeated runs do not collide.
type options struct {
	config     *config.Config
	configPath string
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	logOutput  io.Writer
}

// serve runs the core until ctx is cancelled. The config must already
// be validated.
func serve(ctx context.Context, opts options) error {
	cfg := opts.config
	logger, err := newLogger(cfg.Log, opts.logOutput)
	if err != nil {
		return err
	}

	coreConfig, err := dispatchConfig(cfg)
	if err != nil {
		return err
	}
	coreConfig.Logger = logger.With("component", "dispatch")
	coreConfig.Metrics = metrics.New(opts.registerer)

	if cfg.Store.Driver == store.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o750); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}
	subscriptions, err := store.Open(ctx, store.Config{
		Driver:           cfg.Store.Driver,
		Path:             cfg.Store.Path,
		RedisAddress:     cfg.Store.Redis.Address,
		RedisPassword:    cfg.Store.Redis.Password,
		RedisDB:          cfg.Store.Redis.DB,
		RedisPrefix:      cfg.Store.Redis.Prefix,
		FailureRetention: cfg.Store.FailureRetention,
		Logger:           logger.With("component", "store"),
	})
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := subscriptions.Close(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}()
	coreConfig.Store = subscriptions

	adapter, closeAdapter, err := newAdapter(cfg.Platform, logger.With("component", "platform"))
	if err != nil {
		return err
	}
	defer closeAdapter()
	coreConfig.Adapter = adapter

	core, err := dispatch.New(coreConfig)
	if err != nil {
		return err
	}
	if err := core.Start(ctx); err != nil {
		return err
	}

	listener, err := listen(cfg.Listen)
	if err != nil {
		core.Close(ctx)
		return err
	}
	var httpListener net.Listener
	if cfg.HTTP.Address != "" {
		httpListener, err = net.Listen("tcp", cfg.HTTP.Address)
		if err != nil {
			listener.Close()
			core.Close(ctx)
			return fmt.Errorf("listening on %s: %w", cfg.HTTP.Address, err)
		}
	}

	logger.Info("maibot core starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"plugins", len(coreConfig.Plugins),
		"store", cfg.Store.Driver,
		"adapter", cfg.Platform.Adapter,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return core.Serve(groupCtx, listener)
	})
	if httpListener != nil {
		handler := httpapi.New(httpapi.Config{
			Core:                 core,
			Failures:             subscriptions,
			Gatherer:             opts.gatherer,
			IngressRatePerMinute: cfg.HTTP.IngressRatePerMinute,
			Logger:               logger.With("component", "http"),
		})
		group.Go(func() error {
			return httpapi.Serve(groupCtx, httpListener, handler, shutdownTimeout, logger)
		})
	}
	if opts.configPath != "" {
		group.Go(func() error {
			return config.Watch(groupCtx, opts.configPath, config.DefaultDebounce, logger, func(next *config.Config) {
				reloadPlugins(core, next, logger)
			})
		})
	}

	err = group.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := core.Close(closeCtx); closeErr != nil {
		logger.Warn("sessions did not close in time", "error", closeErr)
	}
	logger.Info("maibot core stopped")
	return err
}

// dispatchConfig maps the file onto dispatch.Config.
func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	grants, err := cfg.PluginGrants()
	if err != nil {
		return dispatch.Config{}, err
	}
	compressions, err := cfg.Compressions()
	if err != nil {
		return dispatch.Config{}, err
	}
	dropPolicy, err := flow.ParsePolicy(cfg.Flow.CongestionDropPolicy)
	if err != nil {
		return dispatch.Config{}, err
	}
	duplicatePolicy, err := dispatch.ParseDuplicatePolicy(cfg.Auth.DuplicateIdentityPolicy)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Plugins:              grants,
		MaxFrameBytes:        cfg.Protocol.MaxFrameBytes,
		HandshakeTimeout:     cfg.Protocol.HandshakeTimeout,
		Compression:          compressions,
		CompressionThreshold: cfg.Protocol.CompressionThreshold,
		QueueCapacity:        cfg.Flow.PerSessionQueueCapacity,
		DropPolicy:           dropPolicy,
		SignalCongestion:     cfg.Flow.SignalCongestion,
		GlobalHighWaterBytes: cfg.Flow.GlobalHighWaterBytes,
		GlobalLowWaterBytes:  cfg.Flow.GlobalLowWaterBytes,
		DuplicatePolicy:      duplicatePolicy,
		EvictionDrainTimeout: cfg.Auth.EvictionDrainTimeout,
		WriteTimeout:         cfg.Protocol.WriteTimeout,
		MaxInflightActions:   cfg.Dispatch.MaxInflightActions,
		WorkerCount:          cfg.Dispatch.WorkerCount,
		WorkerQueueDepth:     cfg.Dispatch.WorkerQueueDepth,
		AcceptRate:           rate.Limit(cfg.Listen.AcceptRate),
		AcceptBurst:          cfg.Listen.AcceptBurst,
	}, nil
}

// newAdapter builds the configured platform adapter and its cleanup.
func newAdapter(cfg config.PlatformConfig, logger *slog.Logger) (dispatch.PlatformAdapter, func(), error) {
	switch cfg.Adapter {
	case "loopback":
		return platform.NewLoopback(logger), func() {}, nil
	case "webhook":
		webhook, err := platform.NewWebhook(platform.WebhookConfig{
			URL:     cfg.WebhookURL,
			Timeout: cfg.WebhookTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return webhook, webhook.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown platform adapter %q", cfg.Adapter)
	}
}

// listen opens the plugin socket. A unix socket left by a previous run
// is replaced, and the new one is group-accessible only.
func listen(cfg config.ListenConfig) (net.Listener, error) {
	if cfg.Network != "unix" {
		listener, err := net.Listen(cfg.Network, cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", cfg.Address, err)
		}
		return listener, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Address), 0o750); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if info, err := os.Lstat(cfg.Address); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", cfg.Address)
		}
		if err := os.Remove(cfg.Address); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}
	listener, err := net.Listen("unix", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("creating plugin socket at %s: %w", cfg.Address, err)
	}
	if err := os.Chmod(cfg.Address, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting plugin socket permissions: %w", err)
	}
	return listener, nil
}

// reloadPlugins swaps in the plugin table from a changed config.
// Connected plugins keep the capabilities granted at handshake.
func reloadPlugins(core *dispatch.Core, next *config.Config, logger *slog.Logger) {
	grants, err := next.PluginGrants()
	if err != nil {
		logger.Error("config reload: plugin table rejected", "error", err)
		return
	}
	core.Authenticator().Update(grants)
	logger.Info("plugin table reloaded", "plugins", len(grants))
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, output io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(output, handlerOptions)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(output, handlerOptions)), nil
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", cfg.Format)
	}
}
