package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"secshare.io/engine/config"
	"secshare.io/engine/internal/auth"
	"secshare.io/engine/internal/metrics"
)

// maxBodyBytes covers the largest plan attachment after base64 expansion.
const maxBodyBytes = 72 << 20

func SetupRouter(ctx context.Context, secrets SecretService, authn *auth.Authenticator, cfg *config.Config, log logrus.FieldLogger) *chi.Mux {
	h := NewHandler(secrets, cfg.Server.BaseURL, maxBodyBytes, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	}

	r.Use(CORS(CORSConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         86400,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	apiLimit, revealLimit := passThrough, passThrough
	if cfg.RateLimit.Enabled {
		apiLimiter := NewRateLimiter(cfg.RateLimit.RequestsPerMin, time.Minute)
		revealLimiter := NewRateLimiter(cfg.RateLimit.RevealPerMin, time.Minute)
		apiLimiter.StartCleanup(ctx, 5*time.Minute)
		revealLimiter.StartCleanup(ctx, 5*time.Minute)
		apiLimit, revealLimit = apiLimiter.Middleware, revealLimiter.Middleware
	}

	r.Route(cfg.Server.APIPrefix, func(r chi.Router) {
		r.Use(apiLimit)
		r.Use(JSONOnly)
		r.Use(NoStore)

		r.Route("/secrets", func(r chi.Router) {
			r.With(revealLimit).Get("/{id}", h.RevealSecret)

			r.Group(func(r chi.Router) {
				r.Use(authn.RequireOwner(h.unauthorized))
				r.Post("/", h.CreateSecret)
				r.Get("/", h.ListSecrets)
				r.Delete("/{id}", h.DeleteSecret)
				r.Get("/{id}/logs", h.GetLogs)
			})
		})
	})

	return r
}

func passThrough(next http.Handler) http.Handler { return next }
