// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/clock"
	"github.com/bureau-foundation/maibot/lib/codec"
)

// Redis keeps state in a Redis server:
//
//	<prefix>:identities               set of identities with subscriptions
//	<prefix>:subscriptions:<identity> set of category names
//	<prefix>:failures                 list of CBOR DeliveryFailure, newest first
//
// An identity whose subscription set is empty is pruned from the
// identities set on load.
type Redis struct {
	client    *redis.Client
	prefix    string
	clock     clock.Clock
	logger    *slog.Logger
	retention int
}

// OpenRedis connects to config.RedisAddress and pings it.
func OpenRedis(ctx context.Context, config Config) (*Redis, error) {
	config.applyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         config.RedisAddress,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", config.RedisAddress, err)
	}
	config.Logger.Info("connected to redis store", "address", config.RedisAddress, "db", config.RedisDB)
	return NewRedis(client, config), nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(client *redis.Client, config Config) *Redis {
	config.applyDefaults()
	return &Redis{
		client:    client,
		prefix:    config.RedisPrefix,
		clock:     config.Clock,
		logger:    config.Logger,
		retention: config.FailureRetention,
	}
}

func (r *Redis) identitiesKey() string { return r.prefix + ":identities" }

func (r *Redis) subscriptionsKey(identity dispatch.PluginIdentity) string {
	return r.prefix + ":subscriptions:" + string(identity)
}

func (r *Redis) failuresKey() string { return r.prefix + ":failures" }

func (r *Redis) LoadSubscriptions(ctx context.Context) ([]dispatch.Subscription, error) {
	identities, err := r.client.SMembers(ctx, r.identitiesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing subscribed identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, nil
	}

	commands := make([]*redis.StringSliceCmd, len(identities))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, identity := range identities {
			commands[i] = pipe.SMembers(ctx, r.subscriptionsKey(dispatch.PluginIdentity(identity)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}

	names := make(map[dispatch.PluginIdentity][]string, len(identities))
	var empty []any
	for i, identity := range identities {
		categories := commands[i].Val()
		if len(categories) == 0 {
			empty = append(empty, identity)
			continue
		}
		names[dispatch.PluginIdentity(identity)] = categories
	}
	if len(empty) > 0 {
		if err := r.client.SRem(ctx, r.identitiesKey(), empty...).Err(); err != nil {
			r.logger.Warn("pruning identities without subscriptions failed", "error", err)
		}
	}
	return collect(names, r.logger), nil
}

func (r *Redis) PersistSubscriptionChange(ctx context.Context, identity dispatch.PluginIdentity, category capability.Category, op dispatch.SubscriptionOp) error {
	if err := checkOp(op); err != nil {
		return err
	}
	key := r.subscriptionsKey(identity)
	var err error
	if op == dispatch.SubscriptionAdded {
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, category.String())
			pipe.SAdd(ctx, r.identitiesKey(), string(identity))
			return nil
		})
	} else {
		err = r.client.SRem(ctx, key, category.String()).Err()
	}
	if err != nil {
		return fmt.Errorf("persisting %s of %s for %s: %w", op, category, identity, err)
	}
	return nil
}

func (r *Redis) RecordDeliveryFailure(ctx context.Context, event dispatch.Event, identity dispatch.PluginIdentity) error {
	data, err := codec.Marshal(failureFor(event, identity, r.clock.Now()))
	if err != nil {
		return fmt.Errorf("encoding delivery failure: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.failuresKey(), data)
		pipe.LTrim(ctx, r.failuresKey(), 0, int64(r.retention-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording delivery failure: %w", err)
	}
	return nil
}

func (r *Redis) DeliveryFailures(ctx context.Context, limit int) ([]DeliveryFailure, error) {
	if limit <= 0 {
		limit = r.retention
	}
	values, err := r.client.LRange(ctx, r.failuresKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading delivery failures: %w", err)
	}
	failures := make([]DeliveryFailure, 0, len(values))
	for _, value := range values {
		var failure DeliveryFailure
		if err := codec.Unmarshal([]byte(value), &failure); err != nil {
			return nil, fmt.Errorf("decoding delivery failure: %w", err)
		}
		failures = append(failures, failure)
	}
	return failures, nil
}

func (r *Redis) Close() error { return r.client.Close() }
