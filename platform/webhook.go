// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/codec"
	"github.com/bureau-foundation/maibot/lib/completion"
)

// Webhook error codes that are not HTTP statuses.
const (
	CodeUnreachable = "unreachable"
	CodeBadResponse = "bad_response"
	CodeClosed      = "adapter_closed"
)

const maxErrorBody = 512

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL string

	// Timeout bounds one POST including reading the response (10s).
	Timeout time.Duration

	// Concurrency bounds in-flight POSTs (16). Further actions wait
	// their turn without blocking SubmitAction.
	Concurrency int

	// Client defaults to a client with no overall timeout; Timeout
	// applies per request.
	Client *http.Client

	Logger *slog.Logger
}

// WebhookAction is the JSON body posted for each action. Payload is
// the plugin's CBOR payload decoded to JSON when possible; otherwise
// PayloadRaw carries the bytes.
type WebhookAction struct {
	Identity   string `json:"identity"`
	Category   string `json:"category"`
	Sequence   uint64 `json:"sequence"`
	Payload    any    `json:"payload,omitempty"`
	PayloadRaw []byte `json:"payload_raw,omitempty"`
}

// WebhookReceipt is the optional JSON body of a 2xx response.
type WebhookReceipt struct {
	Reference string `json:"reference"`
}

// Webhook performs actions by POSTing them to a URL. A 2xx response
// is success; any other status fails the action with code
// "http_<status>", and a transport error with "unreachable".
type Webhook struct {
	config    WebhookConfig
	client    *http.Client
	logger    *slog.Logger
	semaphore chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewWebhook validates config and returns the adapter.
func NewWebhook(config WebhookConfig) (*Webhook, error) {
	if config.URL == "" {
		return nil, errors.New("platform: webhook URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 16
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Webhook{
		config:    config,
		client:    client,
		logger:    logger,
		semaphore: make(chan struct{}, config.Concurrency),
	}, nil
}

func (w *Webhook) SubmitAction(ctx context.Context, action dispatch.Action) *completion.Completion[dispatch.Receipt] {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return completion.Resolved(dispatch.Receipt{}, &dispatch.AdapterError{Code: CodeClosed, Message: "webhook adapter is closed"})
	}
	w.inflight.Add(1)
	w.mu.Unlock()

	pending := completion.New[dispatch.Receipt]()
	go func() {
		defer w.inflight.Done()
		w.semaphore <- struct{}{}
		defer func() { <-w.semaphore }()
		pending.Resolve(w.post(ctx, action))
	}()
	return pending
}

func (w *Webhook) post(ctx context.Context, action dispatch.Action) (dispatch.Receipt, error) {
	body := WebhookAction{
		Identity: string(action.Identity),
		Category: action.Category.String(),
		Sequence: action.Sequence,
	}
	if len(action.Payload) > 0 {
		if err := codec.Unmarshal(action.Payload, &body.Payload); err != nil {
			body.Payload = nil
			body.PayloadRaw = action.Payload
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		// A CBOR value JSON cannot express, such as a map with
		// non-string keys.
		body.Payload, body.PayloadRaw = nil, action.Payload
		if data, err = json.Marshal(body); err != nil {
			return dispatch.Receipt{}, &dispatch.AdapterError{Code: CodeBadResponse, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(data))
	if err != nil {
		return dispatch.Receipt{}, &dispatch.AdapterError{Code: CodeUnreachable, Err: err}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Maibot-Identity", body.Identity)

	response, err := w.client.Do(request)
	if err != nil {
		w.logger.Warn("webhook post failed", "identity", body.Identity, "sequence", action.Sequence, "error", err)
		return dispatch.Receipt{}, &dispatch.AdapterError{Code: CodeUnreachable, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return dispatch.Receipt{}, &dispatch.AdapterError{
			Code:    fmt.Sprintf("http_%d", response.StatusCode),
			Message: string(bytes.TrimSpace(excerpt)),
		}
	}

	var receipt WebhookReceipt
	content, err := io.ReadAll(io.LimitReader(response.Body, 64<<10))
	if err != nil {
		return dispatch.Receipt{}, &dispatch.AdapterError{Code: CodeBadResponse, Err: err}
	}
	if len(bytes.TrimSpace(content)) > 0 {
		if err := json.Unmarshal(content, &receipt); err != nil {
			w.logger.Debug("webhook response is not a receipt", "sequence", action.Sequence, "error", err)
		}
	}
	return dispatch.Receipt{Reference: receipt.Reference}, nil
}

// Close refuses new actions and waits for in-flight POSTs.
func (w *Webhook) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.inflight.Wait()
}
