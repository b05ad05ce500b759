// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/clock"
	"github.com/bureau-foundation/maibot/lib/codec"
)

// Key layout:
//
//	sub/<identity>/<category>  empty value
//	fail/<id, big-endian u64>  CBOR DeliveryFailure
//
// Identities never contain '/', so the first separator after the
// prefix ends the identity.
var (
	subscriptionPrefix = []byte("sub/")
	failurePrefix      = []byte("fail/")
	failureSequenceKey = []byte("meta/failure-sequence")
)

// Badger is an embedded key-value store in a directory. Failure ids
// are leased in blocks, so ids skipped across a restart can leave a
// few more than the retention count on disk; DeliveryFailures still
// honours its limit.
type Badger struct {
	db        *badger.DB
	sequence  *badger.Sequence
	clock     clock.Clock
	logger    *slog.Logger
	retention uint64
}

// OpenBadger opens or creates the database directory config.Path.
func OpenBadger(config Config) (*Badger, error) {
	config.applyDefaults()
	if config.Path == "" {
		return nil, errors.New("store: badger driver needs a directory path")
	}
	db, err := badger.Open(badger.DefaultOptions(config.Path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", config.Path, err)
	}
	sequence, err := db.GetSequence(failureSequenceKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("leasing failure ids: %w", err)
	}
	config.Logger.Info("badger store opened", "path", config.Path)
	return &Badger{
		db:        db,
		sequence:  sequence,
		clock:     config.Clock,
		logger:    config.Logger,
		retention: uint64(config.FailureRetention),
	}, nil
}

func subscriptionKey(identity dispatch.PluginIdentity, category capability.Category) []byte {
	return []byte(string(subscriptionPrefix) + string(identity) + "/" + category.String())
}

func failureKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(bytes.Clone(failurePrefix), id)
}

func (b *Badger) LoadSubscriptions(context.Context) ([]dispatch.Subscription, error) {
	names := make(map[dispatch.PluginIdentity][]string)
	err := b.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = subscriptionPrefix
		iterator := txn.NewIterator(options)
		defer iterator.Close()
		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			rest := bytes.TrimPrefix(iterator.Item().Key(), subscriptionPrefix)
			identity, category, ok := bytes.Cut(rest, []byte("/"))
			if !ok {
				b.logger.Warn("skipping malformed subscription key", "key", string(iterator.Item().Key()))
				continue
			}
			names[dispatch.PluginIdentity(identity)] = append(names[dispatch.PluginIdentity(identity)], string(category))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}
	return collect(names, b.logger), nil
}

func (b *Badger) PersistSubscriptionChange(_ context.Context, identity dispatch.PluginIdentity, category capability.Category, op dispatch.SubscriptionOp) error {
	if err := checkOp(op); err != nil {
		return err
	}
	key := subscriptionKey(identity, category)
	err := b.db.Update(func(txn *badger.Txn) error {
		if op == dispatch.SubscriptionAdded {
			return txn.Set(key, nil)
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("persisting %s of %s for %s: %w", op, category, identity, err)
	}
	return nil
}

func (b *Badger) RecordDeliveryFailure(_ context.Context, event dispatch.Event, identity dispatch.PluginIdentity) error {
	data, err := codec.Marshal(failureFor(event, identity, b.clock.Now()))
	if err != nil {
		return fmt.Errorf("encoding delivery failure: %w", err)
	}
	id, err := b.sequence.Next()
	if err != nil {
		return fmt.Errorf("allocating failure id: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(failureKey(id), data); err != nil {
			return err
		}
		if id >= b.retention {
			return txn.Delete(failureKey(id - b.retention))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording delivery failure: %w", err)
	}
	return nil
}

func (b *Badger) DeliveryFailures(_ context.Context, limit int) ([]DeliveryFailure, error) {
	if limit <= 0 {
		limit = int(b.retention)
	}
	var failures []DeliveryFailure
	err := b.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = failurePrefix
		iterator := txn.NewIterator(options)
		defer iterator.Close()
		// Reverse iteration starts at the last key not above the seek
		// key, so seek past every id.
		for iterator.Seek(failureKey(^uint64(0))); iterator.Valid() && len(failures) < limit; iterator.Next() {
			var failure DeliveryFailure
			err := iterator.Item().Value(func(value []byte) error {
				return codec.Unmarshal(value, &failure)
			})
			if err != nil {
				return fmt.Errorf("decoding delivery failure: %w", err)
			}
			failures = append(failures, failure)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading delivery failures: %w", err)
	}
	return failures, nil
}

func (b *Badger) Close() error {
	releaseErr := b.sequence.Release()
	return errors.Join(releaseErr, b.db.Close())
}
