package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the engine's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

func NewRouter(h *Handler, health HealthFunc) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()}, "GET", "/health")
				return
			}
		}
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
	}).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/mint", h.Mint).Methods("POST")
	apiV1.HandleFunc("/whoami", h.WhoAmI).Methods("GET")
	apiV1.HandleFunc("/identities/link", h.LinkIdentity).Methods("POST")
	apiV1.HandleFunc("/requests/{id}", h.GetRequest).Methods("GET")

	admin := apiV1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/role", h.SetRole).Methods("POST")
	admin.HandleFunc("/limits", h.SetLimits).Methods("POST")
	admin.HandleFunc("/requests", h.ListRequests).Methods("GET")
	admin.HandleFunc("/requests/{id}/cancel", h.CancelRequest).Methods("POST")
	admin.HandleFunc("/requests/{id}/resolve", h.ResolveRequest).Methods("POST")
	admin.HandleFunc("/reports/daily", h.DailyReport).Methods("GET")
	return r
}
