// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/codec"
	"github.com/bureau-foundation/maibot/store"
)

// maxEventBody bounds a POST /v1/events body.
const maxEventBody = 1 << 20

// Core is the part of dispatch.Core the HTTP surface uses.
type Core interface {
	Sessions() []dispatch.SessionInfo
	OnExternalEvent(ctx context.Context, origin string, category capability.Category, payload []byte) (dispatch.Event, error)
	QueuedBytes() int64
	AcceptPaused() bool
}

// FailureSource reports recorded delivery failures.
type FailureSource interface {
	DeliveryFailures(ctx context.Context, limit int) ([]store.DeliveryFailure, error)
}

// Config configures the handler.
type Config struct {
	Core Core

	// Failures serves /v1/failures. Nil answers 404.
	Failures FailureSource

	// Gatherer serves /metrics (prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	// IngressRatePerMinute limits POST /v1/events per client IP.
	// Zero disables the limit.
	IngressRatePerMinute int

	Logger *slog.Logger
}

// EventRequest is the body of POST /v1/events. Payload is any JSON
// value and is re-encoded as CBOR for plugins; PayloadRaw is passed
// through untouched when the platform already speaks CBOR.
type EventRequest struct {
	Origin     string          `json:"origin"`
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadRaw []byte          `json:"payload_raw,omitempty"`
}

// EventResponse acknowledges an accepted event.
type EventResponse struct {
	Origin    string    `json:"origin"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the body of GET /healthz.
type Health struct {
	Status       string `json:"status"`
	Sessions     int    `json:"sessions"`
	QueuedBytes  int64  `json:"queued_bytes"`
	AcceptPaused bool   `json:"accept_paused"`
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type handler struct {
	core     Core
	failures FailureSource
	logger   *slog.Logger
}

// New returns the router for the HTTP surface.
func New(config Config) http.Handler {
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{core: config.Core, failures: config.Failures, logger: config.Logger}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("pong"))
	})
	router.Get("/healthz", h.health)
	router.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))

	router.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", h.sessions)
		r.Get("/failures", h.listFailures)
		r.Group(func(r chi.Router) {
			if config.IngressRatePerMinute > 0 {
				r.Use(rateLimit(config.IngressRatePerMinute, time.Minute))
			}
			r.Post("/events", h.publish)
		})
	})
	return router
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
		}),
	)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.core.AcceptPaused() {
		status = "congested"
	}
	writeJSON(w, http.StatusOK, Health{
		Status:       status,
		Sessions:     len(h.core.Sessions()),
		QueuedBytes:  h.core.QueuedBytes(),
		AcceptPaused: h.core.AcceptPaused(),
	})
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Sessions())
}

func (h *handler) listFailures(w http.ResponseWriter, r *http.Request) {
	if h.failures == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no_store", Detail: "no subscription store is configured"})
		return
	}
	limit := 100
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_limit", Detail: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	failures, err := h.failures.DeliveryFailures(r.Context(), limit)
	if err != nil {
		h.logger.Error("reading delivery failures failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "store_error"})
		return
	}
	if failures == nil {
		failures = []store.DeliveryFailure{}
	}
	writeJSON(w, http.StatusOK, failures)
}

func (h *handler) publish(w http.ResponseWriter, r *http.Request) {
	var request EventRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed", Detail: err.Error()})
		return
	}
	category, err := capability.Parse(request.Category)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown_category", Detail: request.Category})
		return
	}
	payload, err := eventPayload(request)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed", Detail: err.Error()})
		return
	}

	event, err := h.core.OnExternalEvent(r.Context(), request.Origin, category, payload)
	switch {
	case errors.Is(err, dispatch.ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_event", Detail: err.Error()})
		return
	case errors.Is(err, dispatch.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "shutting_down"})
		return
	case err != nil:
		h.logger.Warn("event ingress failed", "origin", request.Origin, "category", request.Category, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, EventResponse{
		Origin:    event.Origin,
		Sequence:  event.Sequence,
		Timestamp: event.Timestamp,
	})
}

func eventPayload(request EventRequest) ([]byte, error) {
	if len(request.PayloadRaw) > 0 {
		if len(request.Payload) > 0 {
			return nil, errors.New("payload and payload_raw are exclusive")
		}
		return request.PayloadRaw, nil
	}
	if len(request.Payload) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(request.Payload, &value); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return codec.Marshal(value)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Serve runs handler on listener until ctx is cancelled, then shuts
// down gracefully within shutdownTimeout.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errs := make(chan error, 1)
	go func() { errs <- server.Serve(listener) }()
	logger.Info("http server started", "address", listener.Addr().String())

	select {
	case err := <-errs:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
