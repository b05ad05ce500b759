// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workpool

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"runtime"
	"sync"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("workpool: closed")

// Pool is a keyed, sharded worker pool. Safe for concurrent use.
type Pool struct {
	shards []chan func()
	seed   maphash.Seed
	logger *slog.Logger

	// mu guards closed against concurrent Submit: Submit holds the
	// read lock while sending, Close takes the write lock before
	// closing shard channels.
	mu      sync.RWMutex
	closed    bool
	quit      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// New starts workers goroutines, each with a queue of depth pending
// tasks. Non-positive workers defaults to GOMAXPROCS; non-positive
// depth defaults to 256.
func New(workers, depth int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool := &Pool{
		shards: make([]chan func(), workers),
		seed:   maphash.MakeSeed(),
		logger: logger,
		quit:   make(chan struct{}),
	}
	for index := range pool.shards {
		pool.shards[index] = make(chan func(), depth)
		pool.workers.Add(1)
		go pool.run(index)
	}
	return pool
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return len(p.shards) }

// Submit queues task on the worker owning key. Blocks while that
// worker's queue is full, until ctx ends or the pool closes.
func (p *Pool) Submit(ctx context.Context, key string, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.shard(key) <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}
}

// TrySubmit queues task without waiting. Returns false if the worker's
// queue is full or the pool is closed.
func (p *Pool) TrySubmit(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.shard(key) <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks, lets queued tasks finish and waits for
// the workers to exit. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		// Wake blocked submitters first; they hold the read lock.
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		for _, shard := range p.shards {
			close(shard)
		}
		p.mu.Unlock()
	})
	p.workers.Wait()
}

func (p *Pool) shard(key string) chan func() {
	return p.shards[maphash.String(p.seed, key)%uint64(len(p.shards))]
}

func (p *Pool) run(index int) {
	defer p.workers.Done()
	for task := range p.shards[index] {
		p.execute(index, task)
	}
}

// execute runs one task, containing panics so that a faulty callback
// cannot take the worker (and every key hashed to it) down.
func (p *Pool) execute(index int, task func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("workpool task panicked",
				"worker", index,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	task()
}
