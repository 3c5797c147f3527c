// Package main provides the API router setup.
package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/nl2sql-engine/cmd/knowledge-engine-api/handlers"
	"github.com/spherical-ai/nl2sql-engine/cmd/knowledge-engine-api/middleware"
	"github.com/spherical-ai/nl2sql-engine/internal/config"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/pkg/engine"
)

// NewRouter creates the main API router: a thin HTTP surface over the
// engine's public API (connect_or_build_kg, list_kgs, load_kg,
// process_query, submit_feedback), for manual/browser-driven exercising.
// No business logic lives here.
func NewRouter(logger *observability.Logger, eng *engine.Engine, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(requestTimeout(cfg)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"nl2sql-knowledge-engine"}`))
	})

	kgHandler := handlers.NewKGHandler(logger, eng)
	queryHandler := handlers.NewQueryHandler(logger, eng)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth))

		r.Route("/kgs", func(r chi.Router) {
			r.Post("/", kgHandler.Connect)
			r.Get("/", kgHandler.List)
			r.Get("/{kgId}", kgHandler.Load)
			r.Post("/{kgId}/query", queryHandler.Process)
			r.Post("/{kgId}/feedback", queryHandler.Feedback)
		})
	})

	return r
}

func requestTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ReadTimeout > 0 {
		return cfg.Server.ReadTimeout
	}
	return 30 * time.Second
}
