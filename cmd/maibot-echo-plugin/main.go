// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// maibot-echo-plugin is the reference plugin: it subscribes to chat
// messages and sends each one back as a chat message. It reconnects
// with backoff when the core goes away, and exits when the core
// rejects its handshake.
//
// The token is read from the environment variable named by
// --token-env (MAIBOT_ECHO_TOKEN), never from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/maibot/lib/process"
	"github.com/bureau-foundation/maibot/lib/version"
	"github.com/bureau-foundation/maibot/sdk"
	"github.com/bureau-foundation/maibot/wire"
)

const binaryName = "maibot-echo-plugin"

const (
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "--version" {
		version.Print(binaryName)
		return nil
	}

	var network, address, identity, tokenEnv, logLevel string
	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.StringVar(&network, "network", "unix", "core listener network (unix or tcp)")
	flagSet.StringVar(&address, "address", "/run/maibot/plugins.sock", "core listener address")
	flagSet.StringVar(&identity, "identity", "echo", "plugin identity from the core's plugin table")
	flagSet.StringVar(&tokenEnv, "token-env", "MAIBOT_ECHO_TOKEN", "environment variable holding the plugin token")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	token := os.Getenv(tokenEnv)
	if token == "" {
		return fmt.Errorf("%s is not set", tokenEnv)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := process.SignalContext()
	defer cancel()
	return runWithRetry(ctx, sdk.Config{
		Network:      network,
		Address:      address,
		Identity:     identity,
		Token:        token,
		Capabilities: []string{"chat.read", "chat.send"},
		Compression:  []string{"zstd", "lz4"},
		Logger:       logger,
	}, logger)
}

// runWithRetry reconnects until ctx is cancelled or the core rejects
// the plugin. The delay doubles per failed attempt and resets after a
// session that got as far as subscribing.
func runWithRetry(ctx context.Context, config sdk.Config, logger *slog.Logger) error {
	delay := initialRetryDelay
	for {
		connected, err := runSession(ctx, config, logger)
		if ctx.Err() != nil {
			return nil
		}
		var rejected *sdk.RejectedError
		if errors.As(err, &rejected) {
			return err
		}
		if connected {
			delay = initialRetryDelay
		}
		logger.Warn("disconnected from core, retrying", "error", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

// runSession runs one connection. connected reports whether the
// subscription was established.
func runSession(ctx context.Context, config sdk.Config, logger *slog.Logger) (connected bool, err error) {
	client, err := sdk.Dial(ctx, config)
	if err != nil {
		return false, err
	}
	defer client.Close()

	ack, err := client.Subscribe(ctx, "chat.read")
	if err != nil {
		return false, fmt.Errorf("subscribing: %w", err)
	}
	if len(ack.Subscribed) == 0 {
		return false, fmt.Errorf("chat.read not granted (granted: %v)", client.Granted())
	}
	logger.Info("echo plugin connected",
		"identity", config.Identity,
		"granted", client.Granted(),
		"compression", client.Ack().Compression,
	)
	return true, echo(ctx, client, logger)
}

// echo sends every chat.read payload back as chat.send until the
// connection ends.
func echo(ctx context.Context, client *sdk.Client, logger *slog.Logger) error {
	signals := client.Signals()
	for {
		select {
		case <-ctx.Done():
			return nil
		case signal, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			logger.Warn("flow signal from core", "signal", fmt.Sprintf("%T", signal))
		case delivery, ok := <-client.Events():
			if !ok {
				if err := client.Err(); err != nil {
					return err
				}
				return fmt.Errorf("core closed the connection (%s)", client.DisconnectReason())
			}
			result, err := client.Submit(ctx, "chat.send", delivery.Payload)
			if err != nil {
				return fmt.Errorf("sending echo: %w", err)
			}
			if result.Outcome != wire.OutcomeOK {
				logger.Warn("echo not delivered",
					"origin", delivery.Origin,
					"sequence", delivery.Sequence,
					"outcome", result.Outcome,
					"code", result.Code,
				)
				continue
			}
			logger.Debug("echoed", "origin", delivery.Origin, "sequence", delivery.Sequence, "reference", result.Reference)
		}
	}
}
