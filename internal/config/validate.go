package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// Service token secret
	if len(c.Auth.ServiceSecret) < 32 {
		errs = append(errs, "AUTH_SERVICE_SECRET must be at least 32 characters")
	}

	// Webhook secret: grants flow through the webhook, a missing secret
	// means anyone can mint credits.
	if c.Ledger.WebhookSecret == "" {
		errs = append(errs, "WEBHOOK_SECRET is required")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	if c.Ledger.StaleAfter <= 0 {
		errs = append(errs, "LEDGER_STALE_AFTER must be a positive duration")
	}

	// Cron secret: warn only, the in-process schedule still runs
	if c.Cron.Secret == "" {
		slog.Warn("CRON_SECRET is empty — HTTP reaper endpoint is disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
