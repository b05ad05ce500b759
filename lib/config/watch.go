// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save
// produces.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid result
// to onChange. Files that fail to load or validate are logged and
// skipped; the previous configuration stays in force. Watch blocks
// until ctx is cancelled.
//
// The directory is watched rather than the file, so replacements by
// rename (editors, renameio) are seen.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(absolute)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(absolute), err)
	}
	logger.Info("watching config for changes", "path", absolute)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absolute {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case <-timer.C:
			loaded, err := LoadFile(absolute)
			if err == nil {
				err = loaded.Validate()
			}
			if err != nil {
				logger.Error("config change rejected, keeping previous configuration", "path", absolute, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", absolute)
			onChange(loaded)
		}
	}
}
