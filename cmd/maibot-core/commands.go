// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/config"
)

// runInitConfig writes the default config file.
func runInitConfig(args []string, stdout io.Writer) error {
	var path string
	var force bool
	flagSet := pflag.NewFlagSet(binaryName+" init-config", pflag.ContinueOnError)
	flagSet.StringVar(&path, "config", "", "where to write the file (default: $"+config.EnvironmentVariable+" or ./maibot.yaml)")
	flagSet.BoolVar(&force, "force", false, "overwrite an existing file")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if path == "" {
		path = os.Getenv(config.EnvironmentVariable)
	}
	if path == "" {
		path = "maibot.yaml"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := config.WriteDefault(path, force); err != nil {
		if errors.Is(err, config.ErrExists) {
			return fmt.Errorf("%w (use --force to replace it)", err)
		}
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

// runHashToken reads a plugin token from the first line of stdin and
// prints the token_hash value for the plugin table.
func runHashToken(args []string, stdin io.Reader, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet(binaryName+" hash-token", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("hash-token reads the token from stdin, not arguments")
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimRight(line, "\r\n")
	if token == "" {
		return errors.New("empty token on stdin")
	}
	fmt.Fprintln(stdout, dispatch.HashToken(token).String())
	return nil
}
