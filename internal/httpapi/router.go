// Package httpapi assembles the chi router: client-facing dispatch routes
// and the admin control plane, wired with the middleware chain adapted
// from the teacher's router/router.go (CORS -> security headers ->
// request id -> recoverer -> request logger -> body size limit, then
// per-route auth + local rate limiting).
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/auth"
	"github.com/nexusgate/gateway/internal/breaker"
	"github.com/nexusgate/gateway/internal/dispatcher"
	"github.com/nexusgate/gateway/internal/metrics"
	"github.com/nexusgate/gateway/internal/usage"
)

// Config bundles the values NewRouter needs beyond its component
// dependencies.
type Config struct {
	APIKeyHeader string
	MaxBodyBytes int64
	RateLimitRPM int
	Timezone     *time.Location
}

// NewRouter assembles the full gateway HTTP surface.
func NewRouter(
	cfg Config,
	authenticator *auth.Authenticator,
	d *dispatcher.Dispatcher,
	breakers *breaker.Registry,
	rec *usage.Recorder,
	m *metrics.Metrics,
	logger zerolog.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(CORS())
	r.Use(SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(MaxBodySize(cfg.MaxBodyBytes))

	r.Get("/healthz", healthHandler)
	r.Get("/ready", healthHandler)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	proxyHandler := NewProxyHandler(d, logger)
	proxyAuth := NewAuthMiddleware(authenticator, cfg.APIKeyHeader, auth.SurfaceProxy)
	limiter := NewRateLimiter()

	r.Route("/v1", func(r chi.Router) {
		r.Use(proxyAuth.Handler)
		r.Use(limiter.Handler(cfg.RateLimitRPM))

		r.Post("/messages", proxyHandler.Claude)
		r.Post("/chat/completions", proxyHandler.ChatCompletions)
		r.Post("/responses", proxyHandler.Responses)
	})

	adminHandler := NewAdminHandler(breakers, rec, cfg.Timezone, logger)
	adminAuth := NewAuthMiddleware(authenticator, cfg.APIKeyHeader, auth.SurfaceControlPlane)

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth.Handler)
		r.Use(RequireAdmin)

		r.Get("/circuits", adminHandler.CircuitStatus)
		r.Post("/circuits/{providerID}/reset", adminHandler.CircuitReset)
		r.Get("/usage/sessions/{sessionID}", adminHandler.SessionUsage)
		r.Get("/usage/users/{userID}", adminHandler.UserTotals)
		r.Get("/usage/providers/{providerID}", adminHandler.ProviderToday)
		r.Get("/usage/leaderboard", adminHandler.Leaderboard)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
