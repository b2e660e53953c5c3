package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aegis-fin/aegis/internal/api/handlers"
	"github.com/aegis-fin/aegis/internal/api/middleware"
	"github.com/aegis-fin/aegis/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/healthz", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Plan execution
		r.Post("/plans/execute", h.ExecutePlan)

		// Capability registry
		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/", h.ListCapabilities)
			r.Post("/", h.RegisterCapability)
		})
		r.Get("/endpoints", h.ListEndpoints)

		// Watch rules
		r.Route("/watches", func(r chi.Router) {
			r.Get("/", h.ListWatches)
			r.Post("/", h.CreateWatch)
			r.Delete("/{ruleID}", h.DeleteWatch)
		})

		// Recent alerts
		r.Get("/alerts", h.ListAlerts)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "aegis-gateway",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "aegis-gateway",
		})
	}
}
