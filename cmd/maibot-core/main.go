// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// maibot-core runs the plugin-facing core of the bot: it accepts
// plugin connections on a unix or TCP socket, authenticates them
// against the configured plugin table, routes platform events to
// subscribed plugins and hands plugin actions to the platform adapter.
//
// Usage:
//
//	maibot-core [--config PATH]
//	maibot-core init-config [--config PATH] [--force]
//	maibot-core hash-token < token
//	maibot-core --version
//
// The config path defaults to $MAIBOT_CONFIG. The plugin table is
// reloaded when the file changes; other settings need a restart.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/maibot/lib/config"
	"github.com/bureau-foundation/maibot/lib/process"
	"github.com/bureau-foundation/maibot/lib/version"
)

const binaryName = "maibot-core"

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "--version":
			version.Print(binaryName)
			return nil
		case "init-config":
			return runInitConfig(args[1:], os.Stdout)
		case "hash-token":
			return runHashToken(args[1:], os.Stdin, os.Stdout)
		}
	}

	var configPath string
	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to maibot.yaml (default: $"+config.EnvironmentVariable+")")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if configPath == "" {
		configPath = os.Getenv(config.EnvironmentVariable)
	}
	if configPath == "" {
		return fmt.Errorf("no config file: pass --config or set %s (maibot-core init-config writes one)",
			config.EnvironmentVariable)
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", configPath, err)
	}

	ctx, cancel := process.SignalContext()
	defer cancel()
	return serve(ctx, options{
		config:     cfg,
		configPath: configPath,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		logOutput:  os.Stderr,
	})
}
