// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/flow"
	"github.com/bureau-foundation/maibot/lib/clock"
	"github.com/bureau-foundation/maibot/lib/completion"
	"github.com/bureau-foundation/maibot/lib/workpool"
	"github.com/bureau-foundation/maibot/metrics"
	"github.com/bureau-foundation/maibot/wire"
)

// Config configures a Core. Zero values take the defaults noted on
// each field.
type Config struct {
	// Plugins is the configured plugin table. Required; replace it at
	// runtime through Core.Authenticator().Update.
	Plugins []PluginGrant

	// Adapter performs plugin actions. Required.
	Adapter PlatformAdapter

	// Store persists subscriptions. Nil keeps subscriptions in memory
	// only and skips delivery failure auditing.
	Store SubscriptionStore

	// MaxFrameBytes bounds frame payloads (wire.DefaultMaxPayload).
	MaxFrameBytes int

	// HandshakeTimeout bounds the wait for the handshake frame
	// (DefaultHandshakeTimeout).
	HandshakeTimeout time.Duration

	// Compression lists the payload compressions the core grants when
	// a plugin asks for them. Empty disables compression.
	Compression []wire.Compression

	// CompressionThreshold is the smallest payload that is compressed
	// (wire.DefaultCompressionThreshold).
	CompressionThreshold int

	// QueueCapacity is the per-session outbound queue capacity (256).
	QueueCapacity int

	// DropPolicy applies when a session queue is full (drop_oldest).
	DropPolicy flow.Policy

	// SignalCongestion sends Congested/Recovered to plugins.
	SignalCongestion bool

	// GlobalHighWaterBytes pauses accepting connections when the bytes
	// queued across all sessions reach it. Zero disables the pause.
	GlobalHighWaterBytes int64

	// GlobalLowWaterBytes resumes accepting (half of high water).
	GlobalLowWaterBytes int64

	// DuplicatePolicy handles a second connection for a connected
	// identity (reject).
	DuplicatePolicy DuplicatePolicy

	// EvictionDrainTimeout bounds the flush of a session being closed
	// gracefully (5s).
	EvictionDrainTimeout time.Duration

	// WriteTimeout bounds one frame write (10s).
	WriteTimeout time.Duration

	// MaxInflightActions bounds actions per session awaiting the
	// platform (64). A plugin at the limit is not read from until a
	// result comes back.
	MaxInflightActions int

	// WorkerCount and WorkerQueueDepth size the routing pool
	// (GOMAXPROCS-independent defaults: 8 workers, 1024 tasks each).
	WorkerCount      int
	WorkerQueueDepth int

	// AcceptRate and AcceptBurst pace Accept. Zero AcceptRate means
	// unlimited.
	AcceptRate  rate.Limit
	AcceptBurst int

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxPayload
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = wire.DefaultCompressionThreshold
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.EvictionDrainTimeout <= 0 {
		c.EvictionDrainTimeout = defaultDrainTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxInflightActions <= 0 {
		c.MaxInflightActions = 64
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 8
	}
	if c.WorkerQueueDepth <= 0 {
		c.WorkerQueueDepth = 1024
	}
	if c.AcceptRate <= 0 {
		c.AcceptRate = rate.Inf
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 1
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Core is the plugin-facing half of the bot runtime: it owns the
// session registry, subscription index, router and dispatcher, and is
// the entry point for platform events.
type Core struct {
	config Config

	auth          *Authenticator
	registry      *Registry
	index         *Index
	router        *Router
	dispatcher    *Dispatcher
	pool          *workpool.Pool
	controller    *flow.Controller
	acceptLimiter *rate.Limiter
	metrics       *metrics.Metrics
	logger        *slog.Logger

	closing atomic.Bool
}

// New builds a Core. Call Start before serving.
func New(config Config) (*Core, error) {
	if config.Adapter == nil {
		return nil, errors.New("dispatch: platform adapter is required")
	}
	config.applyDefaults()

	c := &Core{
		config:        config,
		auth:          NewAuthenticator(config.Plugins),
		index:         NewIndex(),
		acceptLimiter: rate.NewLimiter(config.AcceptRate, config.AcceptBurst),
		metrics:       config.Metrics,
		logger:        config.Logger,
	}
	c.controller = flow.NewController(config.GlobalHighWaterBytes, config.GlobalLowWaterBytes, func(paused bool) {
		c.metrics.AcceptPaused(paused)
		if paused {
			c.logger.Warn("global queue high-water mark reached, pausing accept", "queued_bytes", c.controller.Bytes())
		} else {
			c.logger.Info("global queue drained to low-water mark, resuming accept", "queued_bytes", c.controller.Bytes())
		}
	})
	c.metrics.WatchQueuedBytes(c.controller.Bytes)
	c.registry = NewRegistry(config.DuplicatePolicy, c.sessionAdded, c.sessionRemoved)
	c.pool = workpool.New(config.WorkerCount, config.WorkerQueueDepth, c.logger)
	c.router = NewRouter(c.index, c.registry, c.pool, config.Store, config.Clock, c.metrics, c.logger)
	c.dispatcher = NewDispatcher(config.Adapter, c.metrics, c.logger)
	return c, nil
}

// Start restores persisted subscriptions as dormant records.
func (c *Core) Start(ctx context.Context) error {
	if c.config.Store == nil {
		return nil
	}
	subscriptions, err := c.config.Store.LoadSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("loading subscriptions: %w", err)
	}
	c.index.Restore(subscriptions)
	live, dormant := c.index.Counts()
	c.metrics.Subscriptions(live, dormant)
	c.logger.Info("subscriptions restored", "identities", len(subscriptions), "dormant", dormant)
	return nil
}

// OnExternalEvent accepts an event from the platform adapter and
// queues it for routing. It returns the stamped event.
func (c *Core) OnExternalEvent(ctx context.Context, origin string, category capability.Category, payload []byte) (Event, error) {
	if c.closing.Load() {
		return Event{}, ErrClosed
	}
	return c.router.Publish(ctx, origin, category, payload)
}

// Authenticator returns the plugin table checker, for hot reload.
func (c *Core) Authenticator() *Authenticator { return c.auth }

// Registry returns the session registry.
func (c *Core) Registry() *Registry { return c.registry }

// Index returns the subscription index.
func (c *Core) Index() *Index { return c.index }

// QueuedBytes returns the bytes queued across all sessions.
func (c *Core) QueuedBytes() int64 { return c.controller.Bytes() }

// AcceptPaused reports whether the listener is paused by the global
// watermark.
func (c *Core) AcceptPaused() bool { return c.controller.Paused() }

// SessionInfo describes a live session for operators.
type SessionInfo struct {
	Identity      PluginIdentity `json:"identity"`
	Connection    string         `json:"connection"`
	Version       int            `json:"version"`
	State         string         `json:"state"`
	Capabilities  []string       `json:"capabilities"`
	Subscriptions []string       `json:"subscriptions"`
	QueueLength   int            `json:"queue_length"`
	QueueCapacity int            `json:"queue_capacity"`
	Drops         uint64         `json:"drops"`
	Compression   string         `json:"compression"`
	OpenedAt      time.Time      `json:"opened_at"`
}

// Sessions describes every live session, ordered by identity.
func (c *Core) Sessions() []SessionInfo {
	sessions := c.registry.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, SessionInfo{
			Identity:      session.identity,
			Connection:    session.connection,
			Version:       session.version,
			State:         session.State().String(),
			Capabilities:  session.granted.Names(),
			Subscriptions: c.index.Subscriptions(session.identity).Names(),
			QueueLength:   session.QueueLen(),
			QueueCapacity: session.queue.Capacity(),
			Drops:         session.Drops(),
			Compression:   session.compression.String(),
			OpenedAt:      session.opened,
		})
	}
	return infos
}

// Close rejects new handshakes and events, drains every session and
// stops the worker pool. Serve returns on its own once its context is
// cancelled; Close is for callers that need the sessions gone first.
func (c *Core) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := c.registry.Close(ctx)
	c.pool.Close()
	return err
}

func (c *Core) shutdownTimeout() time.Duration {
	return c.config.EvictionDrainTimeout + 2*c.config.WriteTimeout
}

func (c *Core) queueConfig() flow.QueueConfig {
	return flow.QueueConfig{
		Capacity:   c.config.QueueCapacity,
		Policy:     c.config.DropPolicy,
		Controller: c.controller,
		Signals:    c.config.SignalCongestion,
		OnDrop: func(policy flow.Policy) {
			c.metrics.QueueDrop(policy.String())
		},
	}
}

// sessionAdded and sessionRemoved run under the registry lock.
func (c *Core) sessionAdded(session *Session) {
	restored := c.index.Attach(session.identity, session.granted)
	if !restored.Empty() {
		c.logger.Info("restored subscriptions", "identity", string(session.identity), "categories", restored.Names())
	}
	c.metrics.Subscriptions(c.index.Counts())
}

func (c *Core) sessionRemoved(session *Session) {
	c.index.Detach(session.identity)
	c.metrics.Subscriptions(c.index.Counts())
}

func (c *Core) sessionClosed(session *Session) {
	c.registry.removeSession(session)
	c.metrics.SessionClosed()
}

func (c *Core) subscribe(ctx context.Context, session *Session, names []string) wire.SubscriptionAck {
	subscribed, rejected := c.changeSubscriptions(ctx, session, names,
		session.granted.Has, c.index.Subscribe, SubscriptionAdded)
	return wire.SubscriptionAck{Subscribed: subscribed, Rejected: rejected}
}

func (c *Core) unsubscribe(ctx context.Context, session *Session, names []string) wire.SubscriptionAck {
	unsubscribed, rejected := c.changeSubscriptions(ctx, session, names,
		func(capability.Category) bool { return true }, c.index.Unsubscribe, SubscriptionRemoved)
	return wire.SubscriptionAck{Unsubscribed: unsubscribed, Rejected: rejected}
}

// changeSubscriptions applies apply to every event category in names
// that allowed accepts, but only while session is still registered.
// Once the session has been removed every name is rejected, so a
// removed identity never regains a live subscription. Categories that
// apply changed are persisted afterwards.
func (c *Core) changeSubscriptions(
	ctx context.Context,
	session *Session,
	names []string,
	allowed func(capability.Category) bool,
	apply func(PluginIdentity, capability.Category) bool,
	op SubscriptionOp,
) (accepted, rejected []string) {
	var categories []capability.Category
	for _, name := range names {
		category, err := capability.Parse(name)
		if err != nil || category.Kind() != capability.KindEvent || !allowed(category) {
			rejected = append(rejected, name)
			continue
		}
		categories = append(categories, category)
		accepted = append(accepted, name)
	}

	var changed []capability.Category
	live := c.registry.whileLive(session, func() {
		for _, category := range categories {
			if apply(session.identity, category) {
				changed = append(changed, category)
			}
		}
	})
	if !live {
		session.logger.Debug("subscription change from a removed session ignored", "op", op.String())
		return nil, append(rejected, accepted...)
	}
	for _, category := range changed {
		c.persist(ctx, session.identity, category, op)
	}
	c.metrics.Subscriptions(c.index.Counts())
	return accepted, rejected
}

func (c *Core) persist(ctx context.Context, identity PluginIdentity, category capability.Category, op SubscriptionOp) {
	if c.config.Store == nil {
		return
	}
	if err := c.config.Store.PersistSubscriptionChange(ctx, identity, category, op); err != nil {
		c.logger.Warn("persisting subscription change failed",
			"identity", string(identity),
			"category", category.String(),
			"op", op.String(),
			"error", err,
		)
	}
}

func (c *Core) dispatch(ctx context.Context, session *Session, action Action) *completion.Completion[wire.ActionResult] {
	return c.dispatcher.Dispatch(ctx, session, action)
}
