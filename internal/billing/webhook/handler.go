package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/metrics"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/tasks"
)

const maxWebhookBody = 1 << 20 // Stripe events are small; cap defensively at 1 MiB.

// Handler receives Stripe webhook deliveries, verifies their signature,
// records them write-once, and hands processing to the background runner so
// the provider gets its acknowledgement quickly.
type Handler struct {
	secret    string
	store     *store.Store
	processor *Processor
	runner    *tasks.Runner
	timeout   time.Duration
}

// NewHandler creates a webhook handler. timeout bounds each background
// processing task.
func NewHandler(secret string, st *store.Store, processor *Processor, runner *tasks.Runner, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		secret:    secret,
		store:     st,
		processor: processor,
		runner:    runner,
		timeout:   timeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(started).Seconds())
	}()

	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		http.Error(w, "method not allowed", status)
		return
	}
	if h.secret == "" {
		log.Error().Msg("Stripe webhook secret not configured; delivery rejected")
		status = http.StatusServiceUnavailable
		http.Error(w, "webhook not configured", status)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		status = http.StatusBadRequest
		http.Error(w, "failed to read body", status)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		// Not a Stripe delivery at all; no audit entry.
		status = http.StatusBadRequest
		http.Error(w, "missing signature", status)
		return
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, h.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("Stripe webhook signature verification failed")
		h.auditRejection(payload, err)
		metrics.WebhookEventsProcessed.WithLabelValues("unknown", "rejected").Inc()
		status = http.StatusBadRequest
		http.Error(w, "signature verification failed", status)
		return
	}
	eventType = string(event.Type)

	// Write-once audit insert happens before the acknowledgement so a crash
	// between the 200 and processing still leaves a record to reconcile.
	inserted, err := h.store.InsertWebhookEvent(&store.WebhookEvent{
		EventID: event.ID,
		Type:    eventType,
		Payload: string(payload),
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to record webhook event")
		status = http.StatusInternalServerError
		http.Error(w, "failed to record event", status)
		return
	}
	if !inserted {
		log.Info().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Duplicate webhook delivery acknowledged")
		metrics.WebhookEventsProcessed.WithLabelValues(eventType, "duplicate").Inc()
		writeJSON(w, http.StatusOK, ackResponse{Received: true})
		return
	}

	if err := h.runner.Submit("webhook:"+event.ID, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return h.process(ctx, &event)
	}); err != nil {
		// Roll back the audit row so the provider's retry is not mistaken
		// for a duplicate delivery.
		if delErr := h.store.DeleteWebhookEvent(event.ID); delErr != nil {
			log.Error().Err(delErr).Str("event_id", event.ID).Msg("Failed to roll back webhook event record")
		}
		if errors.Is(err, tasks.ErrShuttingDown) {
			// 503 makes the provider redeliver once we are back.
			status = http.StatusServiceUnavailable
			http.Error(w, "shutting down", status)
			return
		}
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to enqueue webhook event")
		status = http.StatusInternalServerError
		http.Error(w, "failed to enqueue event", status)
		return
	}

	writeJSON(w, http.StatusOK, ackResponse{Received: true})
}

func (h *Handler) process(ctx context.Context, event *stripelib.Event) error {
	eventType := string(event.Type)
	if err := h.processor.Process(ctx, event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook event processing failed")
		if storeErr := h.store.SetWebhookEventError(event.ID, err.Error()); storeErr != nil {
			log.Error().Err(storeErr).Str("event_id", event.ID).Msg("Failed to record processing error")
		}
		metrics.WebhookEventsProcessed.WithLabelValues(eventType, "error").Inc()
		return err
	}
	metrics.WebhookEventsProcessed.WithLabelValues(eventType, "ok").Inc()
	return nil
}

// auditRejection records a signature failure so operators can inspect what
// was thrown at the endpoint. Failures here are logged, not surfaced.
func (h *Handler) auditRejection(payload []byte, cause error) {
	if _, err := h.store.InsertWebhookEvent(&store.WebhookEvent{
		EventID: store.NewEventID(),
		Type:    "signature_verification_failed",
		Payload: string(payload),
		Error:   cause.Error(),
	}); err != nil {
		log.Error().Err(err).Msg("Failed to record rejected webhook delivery")
	}
}

type ackResponse struct {
	Received bool `json:"received"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
