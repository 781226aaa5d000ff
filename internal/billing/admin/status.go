package admin

import (
	"encoding/json"
	"net/http"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/metrics"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
)

type statusResponse struct {
	Version       string                      `json:"version"`
	TotalProfiles int                         `json:"total_profiles"`
	ByStatus      map[store.AccountStatus]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate account status.
func HandleStatus(st *store.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := st.CountProfilesByStatus()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls.
		total := 0
		for status, c := range counts {
			metrics.ProfilesByStatus.WithLabelValues(string(status)).Set(float64(c))
			total += c
		}

		resp := statusResponse{
			Version:       version,
			TotalProfiles: total,
			ByStatus:      counts,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
