package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "energy",
			Password: "secret", Name: "energy", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth: AuthConfig{
			ServiceSecret: "service-secret-that-is-at-least-32-chars",
			Issuer:        "stakeandscale",
		},
		Cron: CronConfig{Secret: "cron-secret", Schedule: "@every 5m"},
		Ledger: LedgerConfig{
			AdminBypass:   true,
			StaleAfter:    10 * time.Minute,
			WebhookSecret: "webhook-signing-secret",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_ServiceSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.ServiceSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "AUTH_SERVICE_SECRET") {
		t.Fatalf("expected AUTH_SERVICE_SECRET error, got: %v", err)
	}
}

func TestValidate_WebhookSecretRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.WebhookSecret = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "WEBHOOK_SECRET") {
		t.Fatalf("expected WEBHOOK_SECRET error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequired(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_StaleAfterMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.StaleAfter = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "LEDGER_STALE_AFTER") {
		t.Fatalf("expected LEDGER_STALE_AFTER error, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		DB:     DBConfig{Port: 5432},
		Redis:  RedisConfig{Port: 6379},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"AUTH_SERVICE_SECRET", "WEBHOOK_SECRET", "DB_PASSWORD", "SERVER_PORT"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}
