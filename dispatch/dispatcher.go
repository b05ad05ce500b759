// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/lib/completion"
	"github.com/bureau-foundation/maibot/metrics"
	"github.com/bureau-foundation/maibot/wire"
)

// Adapter error codes assigned by the dispatcher itself.
const (
	CodeAdapterPanic = "adapter_panic"
	CodeInternal     = "internal"
)

// Dispatcher relays plugin actions to the platform adapter. It never
// retries: every accepted action is submitted exactly once and its
// result is reported back exactly once.
type Dispatcher struct {
	adapter PlatformAdapter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher returns a dispatcher submitting to adapter.
func NewDispatcher(adapter PlatformAdapter, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{adapter: adapter, metrics: m, logger: logger}
}

// Dispatch checks action against the session and submits it. The
// returned completion resolves with the ActionResult for the plugin:
//
//   - duplicate: the sequence is not above the last one accepted
//   - forbidden: the category is not a granted action category; the
//     adapter is not contacted
//   - ok or adapter_error: whatever the adapter reported
//
// The sequence is consumed before the capability check, so a
// forbidden action cannot be replayed under the same sequence.
func (d *Dispatcher) Dispatch(ctx context.Context, session *Session, action Action) *completion.Completion[wire.ActionResult] {
	if !session.acceptSequence(action.Sequence) {
		d.metrics.Action(wire.OutcomeDuplicate)
		return completion.Resolved(wire.ActionResult{
			Sequence: action.Sequence,
			Outcome:  wire.OutcomeDuplicate,
			Message:  fmt.Sprintf("sequence %d is not above the last accepted sequence", action.Sequence),
		}, nil)
	}

	if err := checkAction(session.granted, action.Category); err != nil {
		d.metrics.Action(wire.OutcomeForbidden)
		d.logger.Info("action forbidden",
			"identity", string(session.identity),
			"category", action.Category.String(),
			"sequence", action.Sequence,
		)
		return completion.Resolved(wire.ActionResult{
			Sequence: action.Sequence,
			Outcome:  wire.OutcomeForbidden,
			Message:  err.Error(),
		}, nil)
	}

	result := completion.New[wire.ActionResult]()
	// The action belongs to the platform once submitted; a plugin
	// disconnecting must not cancel it.
	receipt := d.submit(context.WithoutCancel(ctx), action)
	receipt.OnResolve(func(receipt Receipt, err error) {
		result.Resolve(d.actionResult(action, receipt, err), nil)
	})
	return result
}

func checkAction(granted capability.Set, category capability.Category) error {
	if !category.Valid() {
		return fmt.Errorf("%w: unknown action category", ErrCapability)
	}
	if category.Kind() != capability.KindAction {
		return fmt.Errorf("%w: %s is not an action category", ErrCapability, category)
	}
	if !granted.Has(category) {
		return fmt.Errorf("%w: %s", ErrCapability, category)
	}
	return nil
}

// submit calls the adapter, converting a panic or a nil completion
// into an adapter error.
func (d *Dispatcher) submit(ctx context.Context, action Action) (receipt *completion.Completion[Receipt]) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("platform adapter panicked",
				"identity", string(action.Identity),
				"category", action.Category.String(),
				"panic", fmt.Sprint(recovered),
			)
			receipt = completion.Resolved(Receipt{}, &AdapterError{
				Code:    CodeAdapterPanic,
				Message: fmt.Sprint(recovered),
			})
		}
	}()
	receipt = d.adapter.SubmitAction(ctx, action)
	if receipt == nil {
		receipt = completion.Resolved(Receipt{}, &AdapterError{Code: CodeInternal, Message: "adapter returned no completion"})
	}
	return receipt
}

func (d *Dispatcher) actionResult(action Action, receipt Receipt, err error) wire.ActionResult {
	if err == nil {
		d.metrics.Action(wire.OutcomeOK)
		return wire.ActionResult{
			Sequence:  action.Sequence,
			Outcome:   wire.OutcomeOK,
			Reference: receipt.Reference,
		}
	}

	d.metrics.Action(wire.OutcomeAdapterError)
	code := CodeInternal
	var adapterError *AdapterError
	if errors.As(err, &adapterError) && adapterError.Code != "" {
		code = adapterError.Code
	}
	d.logger.Warn("platform adapter rejected action",
		"identity", string(action.Identity),
		"category", action.Category.String(),
		"sequence", action.Sequence,
		"code", code,
		"error", err,
	)
	message := err.Error()
	if adapterError != nil && adapterError.Message != "" {
		message = adapterError.Message
	}
	return wire.ActionResult{
		Sequence: action.Sequence,
		Outcome:  wire.OutcomeAdapterError,
		Code:     code,
		Message:  message,
	}
}
