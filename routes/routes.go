package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/policy-rag/app"
	requester "github.com/upb/policy-rag/middleware"
	"github.com/upb/policy-rag/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	cfg := deps.Config

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	}

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			requester.RequesterIDHeader, requester.RequesterRoleHeader, requester.RequesterServiceHeader, "X-Request-ID",
		},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	auth := deps.AuthMiddleware
	admin := auth.RequireRole(cfg.Auth.AdminRoles...)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/status", deps.HealthHandler.HandleStatus)

		// Questions from any identified requester, rate limited per requester
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRequester)
			r.Use(deps.QueryLimiter.Limit)
			r.Post("/query", deps.QueryHandler.HandleQuery)
		})

		// Policy documents (writes and consistency require an admin role)
		r.Route("/documents", func(r chi.Router) {
			r.Use(auth.RequireRequester)
			r.Get("/", deps.DocumentHandler.HandleList)
			r.Get("/{name}/versions", deps.DocumentHandler.HandleVersions)

			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Post("/", deps.DocumentHandler.HandleCreate)
				r.Get("/consistency", deps.DocumentHandler.HandleConsistency)
				r.Put("/{name}", deps.DocumentHandler.HandleUpdate)
				r.Delete("/{name}", deps.DocumentHandler.HandleDelete)
				r.Post("/{name}/versions/{id}/activate", deps.DocumentHandler.HandleActivate)
			})
		})

		// Audit logs (reads require an admin role; requesters may rate their own answers)
		r.Route("/audit", func(r chi.Router) {
			r.Use(auth.RequireRequester)
			r.Put("/logs/{id}/feedback", deps.AuditHandler.HandleFeedback(cfg.Auth.AdminRoles...))

			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Get("/logs", deps.AuditHandler.HandleList)
				r.Get("/logs/high-risk", deps.AuditHandler.HandleHighRisk)
				r.Get("/logs/{id}", deps.AuditHandler.HandleGet)
				r.Get("/stats", deps.AuditHandler.HandleStats)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
