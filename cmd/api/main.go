package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/stakeandscale/energy/internal/api"
	"github.com/stakeandscale/energy/internal/auth"
	"github.com/stakeandscale/energy/internal/config"
	"github.com/stakeandscale/energy/internal/database"
	"github.com/stakeandscale/energy/internal/events"
	"github.com/stakeandscale/energy/internal/ledger"
	"github.com/stakeandscale/energy/internal/middleware"
	"github.com/stakeandscale/energy/internal/pricing"
	"github.com/stakeandscale/energy/internal/quota"
	"github.com/stakeandscale/energy/internal/reaper"
	iredis "github.com/stakeandscale/energy/internal/redis"
	"github.com/stakeandscale/energy/internal/server"
	"github.com/stakeandscale/energy/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx := context.Background()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional)
	var natsClient *events.Client
	var notifier ledger.Notifier
	if cfg.NATS.Enabled() {
		natsClient, err = events.NewClient(ctx, cfg.NATS.URL)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		notifier = events.NewPublisher(natsClient.JetStream())
	}

	// Ledger
	store := ledger.NewStore(pool)
	ledgerSvc := ledger.NewService(store, notifier, cfg.Ledger.AdminBypass)

	// Quota
	quotaRepo := quota.NewRepository(pool)
	quotaSvc := quota.NewService(quotaRepo)

	// Pricing
	calc := pricing.NewCalculator(
		cfg.Pricing.CreditEURValue,
		cfg.Pricing.CreditMargin,
		cfg.Pricing.TTSEURPer1kCredits,
	)

	// Reaper
	reap := reaper.New(store, ledgerSvc, quotaSvc, cfg.Ledger.StaleAfter)
	scheduler, err := reaper.NewScheduler(reap, cfg.Cron.Schedule)
	if err != nil {
		slog.Error("configuring reaper schedule", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Handlers
	tokenManager := auth.NewTokenManager(cfg.Auth.ServiceSecret, cfg.Auth.Issuer, time.Hour)
	ledgerHandler := ledger.NewHandler(ledgerSvc, quotaSvc)
	quotaHandler := quota.NewHandler(quotaSvc)
	pricingHandler := pricing.NewHandler(calc)
	reapHandler := reaper.NewHandler(reap, cfg.Cron.Secret)
	webhookHandler := webhook.NewHandler(webhook.NewGuard(pool), ledgerSvc, cfg.Ledger.WebhookSecret)

	webhookLimiter := middleware.NewRateLimiter(
		redisClient, "webhook", cfg.RateLimit.WebhookMaxReqs, cfg.RateLimit.WebhookWindowSec)

	// Router
	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		WebhookRateLimiter: webhookLimiter.Middleware,
	}
	if natsClient != nil {
		routerCfg.NATSHealthy = natsClient.Healthy
	}
	router := api.NewRouter(pool, routerCfg, api.HandlerSet{
		Reserve:      ledgerHandler.Reserve,
		Settle:       ledgerHandler.Settle,
		Refund:       ledgerHandler.Refund,
		Grant:        ledgerHandler.Grant,
		Balance:      ledgerHandler.Balance,
		Transactions: ledgerHandler.Transactions,

		ConsumeQuota: quotaHandler.Consume,
		Estimate:     pricingHandler.Estimate,

		Reap:           reapHandler.Reap,
		PaymentWebhook: webhookHandler.HandlePayment,

		AuthMiddleware: auth.Middleware(tokenManager),
		RequireSpend:   auth.RequireScope(auth.ScopeSpend),
		RequireGrant:   auth.RequireScope(auth.ScopeGrant),
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
