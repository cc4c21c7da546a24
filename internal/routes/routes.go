package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/handlers"
	"github.com/mwhitford/bulwark/internal/middleware"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	twoFactorHandler *handlers.TwoFactorHandler,
	impersonationHandler *handlers.ImpersonationHandler,
	tokenManager *auth.TokenManager,
	directory auth.UserDirectory,
	sessions auth.SessionChecker,
	healthCheck http.HandlerFunc,
) {
	authRateLimit := middleware.DefaultAuthRateLimit()
	adminRateLimit := middleware.DefaultAdminRateLimit()

	router.Get("/health", healthCheck)

	// Public routes - no authentication required
	router.With(middleware.RateLimitByIP(authRateLimit)).Post("/auth/login", authHandler.Login)
	router.With(middleware.RateLimitByIP(authRateLimit)).Post("/auth/2fa/verify", authHandler.Verify)

	// Protected routes - authentication required. Impersonation tokens are
	// additionally checked against the live session record.
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager))
		r.Use(auth.ImpersonationGuard(sessions))

		r.Post("/auth/logout", authHandler.Logout)
		r.Post("/auth/2fa/setup", twoFactorHandler.Setup)
		r.Post("/auth/2fa/activate", twoFactorHandler.Activate)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(directory, "admin"))
			r.Use(middleware.RateLimitByIP(adminRateLimit))

			r.Post("/admin/impersonations", impersonationHandler.Start)
			r.Get("/admin/impersonations", impersonationHandler.List)
			r.Get("/admin/impersonations/{id}", impersonationHandler.Get)
			r.Post("/admin/impersonations/{id}/extend", impersonationHandler.Extend)
			r.Delete("/admin/impersonations/{id}", impersonationHandler.Terminate)
		})
	})
}
