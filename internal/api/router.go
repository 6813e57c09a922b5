package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/roundtable-ai/roundtable/internal/api/handlers"
	"github.com/roundtable-ai/roundtable/internal/api/middleware"
	"github.com/roundtable-ai/roundtable/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware. Scope runs before Logger and Telemetry so both
	// see the request's project.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.ScopeExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Project-Id", "X-Role-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Orchestrated asks
		r.Post("/ask", h.Ask)
		r.Post("/ask/all", h.AskAll)

		// Debates & pipelines
		r.Route("/debates", func(r chi.Router) {
			r.Get("/", h.ListDebates)
			r.Post("/", h.CreateDebate)
			r.Get("/{debateId}", h.GetDebate)
		})
		r.Post("/pipelines", h.CreatePipeline)

		// Sessions & turns
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/resolve", h.ResolveSession)
			r.Get("/{sessionKey}/turns", h.ListTurns)
		})
		r.Route("/turns", func(r chi.Router) {
			r.Post("/", h.CreateTurn)
			r.Delete("/{turnId}", h.DeleteTurn)
		})

		// Canon knowledge
		r.Route("/canon", func(r chi.Router) {
			r.Post("/extract", h.ExtractCanon)
			r.Get("/search", h.SearchCanon)
			r.Get("/digest", h.CanonDigest)
			r.Delete("/{canonId}", h.DeactivateCanon)
		})

		// Catalog & observability
		r.Get("/models", h.ListModels)
		r.Get("/providers/health", h.ProvidersHealth)
		r.Get("/audits", h.ListAudits)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "roundtable",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "roundtable",
		})
	}
}
