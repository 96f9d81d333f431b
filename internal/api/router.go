/**
 * @description
 * HTTP router setup for the lifecycle service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the secrets guarding the internal and admin routes.
type RouterConfig struct {
	InternalSecret string
	AdminJWTSecret string
	Development    bool
}

// NewRouter creates a new Chi router and registers lifecycle routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Lifecycle service is healthy"))
	})

	internalAuth := InternalAuthMiddleware(cfg.InternalSecret, cfg.Development)

	// The pass is bounded by the trigger's own timeout, not the request timeout.
	r.With(internalAuth).Post("/internal/lifecycle/run", h.handleRunLifecycle)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/internal/ledger", func(r chi.Router) {
			r.Use(internalAuth)
			r.Get("/entries", h.handleListLedgerEntries)
			r.Get("/users/{userID}/balance", h.handleGetBalance)
			r.Get("/users/{userID}/verify", h.handleVerifyChain)
		})

		r.Route("/admin/ledger", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))
			r.Get("/entries", h.handleListLedgerEntries)
			r.Get("/users/{userID}/balance", h.handleGetBalance)
			r.Get("/users/{userID}/verify", h.handleVerifyChain)
			r.Post("/adjustments", h.handleCreateAdjustment)
		})
	})

	return r
}
