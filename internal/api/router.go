package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stakeandscale/energy/internal/database"
	mw "github.com/stakeandscale/energy/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Ledger handlers
	Reserve      http.HandlerFunc
	Settle       http.HandlerFunc
	Refund       http.HandlerFunc
	Grant        http.HandlerFunc
	Balance      http.HandlerFunc
	Transactions http.HandlerFunc

	// Quota and pricing handlers
	ConsumeQuota http.HandlerFunc
	Estimate     http.HandlerFunc

	// Cron and webhook handlers
	Reap           http.HandlerFunc
	PaymentWebhook http.HandlerFunc

	// Service-token middleware
	AuthMiddleware func(http.Handler) http.Handler
	RequireSpend   func(http.Handler) http.Handler
	RequireGrant   func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	WebhookRateLimiter func(http.Handler) http.Handler
	// NATSHealthy reports event-bus connectivity for readiness checks.
	// Nil means NATS is not configured.
	NATSHealthy func() bool
}

func NewRouter(pool *pgxpool.Pool, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, always 200 with no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe checks DB and NATS
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if cfg.NATSHealthy == nil {
			health["nats"] = "not configured"
		} else if !cfg.NATSHealthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Service-authenticated energy endpoints
		r.Route("/energy", func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireSpend)
				r.Post("/reserve", h.Reserve)
				r.Post("/reservations/{id}/settle", h.Settle)
				r.Post("/reservations/{id}/refund", h.Refund)
				r.Post("/quota/consume", h.ConsumeQuota)
				r.Post("/estimate", h.Estimate)
			})

			r.Group(func(r chi.Router) {
				r.Use(h.RequireGrant)
				r.Post("/grant", h.Grant)
			})

			r.Get("/accounts/{userID}/balance", h.Balance)
			r.Get("/accounts/{userID}/transactions", h.Transactions)
		})

		// Cron entrypoint, authenticated by shared secret inside the handler
		r.Post("/cron/reap", h.Reap)

		// Payment webhooks are public: signature-checked and rate-limited
		r.Route("/webhooks", func(r chi.Router) {
			if cfg.WebhookRateLimiter != nil {
				r.Use(cfg.WebhookRateLimiter)
			}
			r.Post("/payments", h.PaymentWebhook)
		})
	})

	return r
}
