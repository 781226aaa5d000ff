package billing

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/admin"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/auth"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/checkout"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/stripeapi"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/tasks"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/webhook"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Store    *store.Store
	Billing  stripeapi.Client
	Verifier auth.TokenVerifier
	Runner   *tasks.Runner
	Version  string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Browser clients call the checkout endpoint cross-origin.
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: deps.Config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))

	// Status and metrics are operator-only.
	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.Store, deps.Version)))
	mux.Handle("/metrics", adminAuth(promhttp.Handler()))

	// Stripe webhook (signature-authenticated)
	processor := webhook.NewProcessor(deps.Store, deps.Billing, deps.Config.RetentionWindow())
	webhookHandler := webhook.NewHandler(deps.Config.StripeWebhookSecret, deps.Store, processor, deps.Runner, deps.Config.WebhookTimeout)
	webhookLimiter := NewRateLimiter(deps.Config.RateLimitPerMinute*2, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Checkout (bearer-token authenticated)
	checkoutHandler := checkout.NewHandler(deps.Store, deps.Billing, deps.Verifier)
	checkoutLimiter := NewRateLimiter(deps.Config.RateLimitPerMinute, time.Minute)
	mux.Handle("/api/checkout/session", checkoutLimiter.Middleware(corsMiddleware.Handler(checkoutHandler)))

	// Admin API (key-authenticated)
	profiles := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			admin.HandleListProfiles(deps.Store)(w, r)
		case http.MethodPost:
			admin.HandleCreateProfile(deps.Store)(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.Handle("/admin/profiles", adminAuth(profiles))
	mux.Handle("GET /admin/subscriptions/{customer_id}", adminAuth(admin.HandleGetSubscription(deps.Store)))
}
