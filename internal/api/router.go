package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tracegate/tracegate/internal/api/handlers"
	"github.com/tracegate/tracegate/internal/api/middleware"
	"github.com/tracegate/tracegate/internal/config"
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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Sessions
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/tasks", h.RunTask)

				// Rate-distortion curve per session
				r.Route("/rd", func(r chi.Router) {
					r.Post("/points", h.AddRDPoint)
					r.Get("/series", h.GetRDSeries)
					r.Get("/knee", h.FindKnee)
				})
			})
		})

		// Traces & governance
		r.Route("/traces", func(r chi.Router) {
			r.Get("/", h.ListTraces)
			r.Post("/", h.CreateTrace)
			r.Route("/{traceID}", func(r chi.Router) {
				r.Get("/", h.GetTrace)
				r.Post("/flags", h.FlagTrace)
				r.Get("/flags", h.ListFlags)
				r.Post("/merge", h.ValidateMerge)
				r.Get("/checkpoints", h.ListCheckpoints)
				r.Post("/provenance", h.RecordProvenance)
				r.Get("/provenance", h.ListProvenance)
				r.Post("/review", h.RecordReview)
			})
		})

		r.Get("/governance/stats", h.GovernanceStats)

		// Stateless distortion computation
		r.Post("/rd/distortion", h.ComputeDistortion)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "tracegate",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "tracegate",
		})
	}
}
