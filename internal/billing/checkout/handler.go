// Package checkout implements the authenticated endpoint that starts a
// Stripe Checkout session for the premium subscription.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/auth"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/metrics"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/stripeapi"
)

const maxCheckoutBody = 64 << 10

// Request is the client payload for starting a checkout session.
type Request struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// Response carries the created session back to the client, which redirects
// the browser to URL.
type Response struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves POST requests that create checkout sessions. Each request is
// authenticated, guarded against double subscription, and bound to a single
// Stripe customer per user.
type Handler struct {
	store    *store.Store
	billing  stripeapi.Client
	verifier auth.TokenVerifier
}

func NewHandler(st *store.Store, billing stripeapi.Client, verifier auth.TokenVerifier) *Handler {
	return &Handler{store: st, billing: billing, verifier: verifier}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	// Field validation comes before identity resolution so a malformed
	// request is reported as such even when the credentials are also bad.
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if msg := validateRequest(&req); msg != "" {
		metrics.CheckoutSessionsTotal.WithLabelValues("invalid_request").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
		return
	}
	identity, err := h.verifier.Resolve(token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			log.Error().Err(err).Msg("Token verification failed")
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
		return
	}

	profile, err := h.store.GetProfile(identity.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("Profile lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if profile == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "profile not found"})
		return
	}

	active, err := h.hasActiveSubscription(profile)
	if err != nil {
		log.Error().Err(err).Str("user_id", profile.UserID).Msg("Subscription lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if active {
		metrics.CheckoutSessionsTotal.WithLabelValues("already_subscribed").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user already has an active subscription"})
		return
	}

	customerID, err := h.resolveCustomer(r.Context(), profile)
	if err != nil {
		log.Error().Err(err).Str("user_id", profile.UserID).Msg("Customer resolution failed")
		metrics.CheckoutSessionsTotal.WithLabelValues("customer_error").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to resolve billing customer"})
		return
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:                stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer:            stripelib.String(customerID),
		SuccessURL:          stripelib.String(req.SuccessURL),
		CancelURL:           stripelib.String(req.CancelURL),
		AllowPromotionCodes: stripelib.Bool(true),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{{
			Price:    stripelib.String(req.PriceID),
			Quantity: stripelib.Int64(1),
		}},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: sessionMetadata(profile),
		},
	}
	params.Metadata = sessionMetadata(profile)

	session, err := h.billing.CreateCheckoutSession(r.Context(), params)
	if err != nil {
		log.Error().Err(err).
			Str("user_id", profile.UserID).
			Str("price_id", req.PriceID).
			Msg("Checkout session creation failed")
		metrics.CheckoutSessionsTotal.WithLabelValues("provider_error").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create checkout session"})
		return
	}

	log.Info().
		Str("user_id", profile.UserID).
		Str("customer_id", customerID).
		Str("session_id", session.ID).
		Msg("Checkout session created")
	metrics.CheckoutSessionsTotal.WithLabelValues("created").Inc()

	writeJSON(w, http.StatusOK, Response{SessionID: session.ID, URL: session.URL})
}

func sessionMetadata(profile *store.Profile) map[string]string {
	meta := map[string]string{"user_id": profile.UserID}
	if profile.WeddingID != "" {
		meta["wedding_id"] = profile.WeddingID
	}
	return meta
}

func validateRequest(req *Request) string {
	req.PriceID = strings.TrimSpace(req.PriceID)
	req.SuccessURL = strings.TrimSpace(req.SuccessURL)
	req.CancelURL = strings.TrimSpace(req.CancelURL)

	if req.PriceID == "" {
		return "price_id is required"
	}
	if !stripeapi.IsSafeStripeID(req.PriceID) {
		return "price_id is not a valid price identifier"
	}
	if req.SuccessURL == "" {
		return "success_url is required"
	}
	if !isWebURL(req.SuccessURL) {
		return "success_url must be an absolute http(s) URL"
	}
	if req.CancelURL == "" {
		return "cancel_url is required"
	}
	if !isWebURL(req.CancelURL) {
		return "cancel_url must be an absolute http(s) URL"
	}
	return ""
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// hasActiveSubscription reports whether the user is already entitled, either
// by projected account status or by a live subscription record. The customer
// id comes from the profile when present, falling back to the mapping row:
// the profile backfill is best effort, the mapping is authoritative.
func (h *Handler) hasActiveSubscription(profile *store.Profile) (bool, error) {
	if profile.AccountStatus == store.StatusPremiumActive {
		return true, nil
	}
	customerID := profile.StripeCustomerID
	if customerID == "" {
		mapping, err := h.store.GetCustomerMapping(profile.UserID)
		if err != nil {
			return false, err
		}
		if mapping == nil {
			return false, nil
		}
		customerID = mapping.StripeCustomerID
	}
	rec, err := h.store.GetSubscriptionByCustomerID(customerID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return rec.Status == "active" || rec.Status == "trialing", nil
}

// resolveCustomer returns the user's Stripe customer id, creating the
// customer and mapping on first checkout. A concurrent first checkout is
// resolved by the mapping's uniqueness: the loser deletes its freshly
// created customer and adopts the winner's.
func (h *Handler) resolveCustomer(ctx context.Context, profile *store.Profile) (string, error) {
	mapping, err := h.store.GetCustomerMapping(profile.UserID)
	if err != nil {
		return "", err
	}
	if mapping != nil {
		return mapping.StripeCustomerID, nil
	}

	params := &stripelib.CustomerParams{
		Email: stripelib.String(profile.Email),
	}
	params.AddMetadata("user_id", profile.UserID)
	if profile.WeddingID != "" {
		params.AddMetadata("wedding_id", profile.WeddingID)
	}
	created, err := h.billing.CreateCustomer(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}

	err = h.store.CreateCustomerMapping(&store.CustomerMapping{
		UserID:           profile.UserID,
		StripeCustomerID: created.ID,
	})
	if errors.Is(err, store.ErrMappingExists) {
		if delErr := h.billing.DeleteCustomer(ctx, created.ID); delErr != nil {
			log.Warn().Err(delErr).
				Str("customer_id", created.ID).
				Msg("Failed to delete duplicate Stripe customer")
		}
		winner, lookupErr := h.store.GetCustomerMapping(profile.UserID)
		if lookupErr != nil {
			return "", lookupErr
		}
		if winner == nil {
			return "", fmt.Errorf("customer mapping conflict for %s but no winning row", profile.UserID)
		}
		return winner.StripeCustomerID, nil
	}
	if err != nil {
		// Saga rollback: the mapping row never landed, so the provider-side
		// customer would be orphaned.
		if delErr := h.billing.DeleteCustomer(ctx, created.ID); delErr != nil {
			log.Warn().Err(delErr).
				Str("customer_id", created.ID).
				Msg("Failed to delete orphaned Stripe customer")
		}
		return "", fmt.Errorf("persist customer mapping: %w", err)
	}

	// Backfill is best effort; the mapping row is the source of truth.
	if profile.StripeCustomerID != created.ID {
		profile.StripeCustomerID = created.ID
		if err := h.store.UpdateProfile(profile); err != nil {
			log.Warn().Err(err).
				Str("user_id", profile.UserID).
				Msg("Failed to backfill customer id on profile")
		}
	}
	return created.ID, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
