// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/completion"
)

// Loopback acknowledges every action immediately and keeps a record
// of them. Categories marked with Fail are answered with an adapter
// error instead.
type Loopback struct {
	logger *slog.Logger

	mu       sync.Mutex
	actions  []dispatch.Action
	failures map[capability.Category]string
}

// NewLoopback returns an adapter that accepts everything.
func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loopback{logger: logger, failures: make(map[capability.Category]string)}
}

// Fail makes actions of category fail with code. An empty code
// restores success.
func (l *Loopback) Fail(category capability.Category, code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if code == "" {
		delete(l.failures, category)
		return
	}
	l.failures[category] = code
}

// Actions returns the actions received so far, in arrival order.
func (l *Loopback) Actions() []dispatch.Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]dispatch.Action(nil), l.actions...)
}

func (l *Loopback) SubmitAction(_ context.Context, action dispatch.Action) *completion.Completion[dispatch.Receipt] {
	l.mu.Lock()
	l.actions = append(l.actions, action)
	count := len(l.actions)
	code, fail := l.failures[action.Category]
	l.mu.Unlock()

	l.logger.Debug("loopback action",
		"identity", string(action.Identity),
		"category", action.Category.String(),
		"sequence", action.Sequence,
		"bytes", len(action.Payload),
	)
	if fail {
		return completion.Resolved(dispatch.Receipt{}, &dispatch.AdapterError{
			Code:    code,
			Message: "loopback configured to fail " + action.Category.String(),
		})
	}
	return completion.Resolved(dispatch.Receipt{Reference: fmt.Sprintf("loopback-%d", count)}, nil)
}
