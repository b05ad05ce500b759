// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/renameio/v2"
)

// DefaultFile is the file WriteDefault writes. It loads and validates
// as is; the echo plugin's token comes from MAIBOT_ECHO_TOKEN.
const DefaultFile = `# MaiBot core configuration.
environment: development

listen:
  network: unix
  address: ${MAIBOT_RUNTIME_DIR:-/run/maibot}/plugins.sock
  accept_rate: 0          # connections per second, 0 = unlimited
  accept_burst: 16

http:
  address: 127.0.0.1:7401
  ingress_rate_per_minute: 6000

protocol:
  max_frame_bytes: 1048576
  handshake_timeout: 10s
  write_timeout: 10s
  compression: [zstd, lz4]
  compression_threshold: 1024

flow:
  per_session_queue_capacity: 256
  global_high_water_bytes: 268435456
  global_low_water_bytes: 134217728
  congestion_drop_policy: drop_oldest   # drop_oldest | drop_newest | block
  signal_congestion: true

auth:
  duplicate_identity_policy: reject     # reject | evict
  eviction_drain_timeout: 5s
  plugins:
    - identity: echo
      token: ${MAIBOT_ECHO_TOKEN:-change-me}
      capabilities: [chat.read, chat.send]

dispatch:
  worker_count: 8
  worker_queue_depth: 1024
  max_inflight_actions: 64

store:
  driver: sqlite                        # memory | sqlite | redis | badger
  path: ${MAIBOT_STATE_DIR:-/var/lib/maibot}/maibot.db
  failure_retention: 10000
  redis:
    address: 127.0.0.1:6379
    db: 0
    prefix: maibot

platform:
  adapter: loopback                     # loopback | webhook
  webhook_url: ""
  webhook_timeout: 10s

log:
  level: info
  format: text

production:
  log:
    level: info
    format: json
`

// ErrExists is returned by WriteDefault when the file is already
// there and overwrite was not requested.
var ErrExists = errors.New("config: file already exists")

// WriteDefault writes DefaultFile to path atomically with mode 0600.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", path, err)
		}
	}
	if err := renameio.WriteFile(path, []byte(DefaultFile), 0o600); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}
