// Package admin holds the key-authenticated operator endpoints.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/stripeapi"
)

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || key != adminKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

type createProfileRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	WeddingID   string `json:"wedding_id"`
}

// HandleCreateProfile returns a handler that registers a profile for an
// authenticated user, starting on the free tier.
func HandleCreateProfile(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		req.Email = strings.TrimSpace(req.Email)
		if req.UserID == "" || req.Email == "" {
			http.Error(w, "user_id and email are required", http.StatusBadRequest)
			return
		}

		if existing, err := st.GetProfile(req.UserID); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		} else if existing != nil {
			http.Error(w, "profile already exists", http.StatusConflict)
			return
		}

		profile := &store.Profile{
			UserID:        req.UserID,
			Email:         req.Email,
			DisplayName:   strings.TrimSpace(req.DisplayName),
			WeddingID:     strings.TrimSpace(req.WeddingID),
			AccountStatus: store.StatusFree,
		}
		if err := st.CreateProfile(profile); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(profile)
	}
}

// HandleListProfiles returns a handler that lists all profiles, with an
// optional status filter.
func HandleListProfiles(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

		profiles, err := st.ListProfiles()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if statusFilter != "" {
			filtered := profiles[:0]
			for _, p := range profiles {
				if string(p.AccountStatus) == statusFilter {
					filtered = append(filtered, p)
				}
			}
			profiles = filtered
		}
		if profiles == nil {
			profiles = []*store.Profile{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"profiles": profiles,
			"count":    len(profiles),
		})
	}
}

// HandleGetSubscription returns a handler that reports the stored
// subscription record plus event history for a Stripe customer.
func HandleGetSubscription(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := strings.TrimSpace(r.PathValue("customer_id"))
		if !stripeapi.IsSafeStripeID(customerID) {
			http.Error(w, "invalid customer id", http.StatusBadRequest)
			return
		}

		rec, err := st.GetSubscriptionByCustomerID(customerID)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}

		var events []*store.SubscriptionEvent
		if mapping, err := st.GetCustomerMappingByCustomerID(customerID); err == nil && mapping != nil {
			events, _ = st.ListSubscriptionEvents(mapping.UserID)
		}
		if events == nil {
			events = []*store.SubscriptionEvent{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"subscription": rec,
			"events":       events,
		})
	}
}
