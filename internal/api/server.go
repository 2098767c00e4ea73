package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserhub/internal/proxy"
	"github.com/shehryarbajwa/browserhub/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Session endpoints (rate limited)
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	if rateLimiter != nil {
		rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter))
	}
	rateLimitedAPI.HandleFunc("/sessions", h.CreateSession).Methods("POST", "OPTIONS")
	rateLimitedAPI.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")

	// Debug endpoints (not rate limited)
	api.HandleFunc("/sessions/{id}/debug", h.GetDebugURL).Methods("GET")
	api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, mux.Vars(r)["id"])
	}).Methods("GET")

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware(h.log))

	return r
}
