// Package api exposes reconciliation over JSON HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/rpattn/recon/internal/export"
	"github.com/rpattn/recon/internal/metadata"
	"github.com/rpattn/recon/internal/middleware"
	"github.com/rpattn/recon/internal/reconcile"
	"github.com/rpattn/recon/internal/tableloader"
)

// Config wires the router to its services.
type Config struct {
	Store          *metadata.Store
	Source         tableloader.Source
	Reconciler     *reconcile.Service
	Exports        *export.Service
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds the HTTP handler for the API.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{service: cfg.Reconciler, exports: cfg.Exports, logger: logger}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	r := chi.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(corsHandler.Handler)

	r.Get("/healthz", h.handleHealth)
	r.Get("/rules", h.handleListRules)
	r.Get("/rules/{id}/plan", h.handlePlan)

	r.Group(func(r chi.Router) {
		r.Use(middleware.TableLoaderMiddleware(cfg.Store, cfg.Source))
		r.Post("/run", h.handleRun)
		r.Post("/reconcile", h.handleReconcile)
		r.Post("/reconcile/export", h.handleReconcileExport)
	})

	if cfg.Exports != nil {
		r.Mount("/exports", export.NewHTTPHandler(cfg.Exports))
	}
	return r
}
