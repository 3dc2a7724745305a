package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Auth      AuthConfig
	Cron      CronConfig
	Ledger    LedgerConfig
	Pricing   PricingConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig controls the optional energy event stream. An empty URL
// disables publishing entirely.
type NATSConfig struct {
	URL string
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// AuthConfig holds the shared secret used to validate service tokens
// issued by the platform backend.
type AuthConfig struct {
	ServiceSecret string
	Issuer        string
}

// CronConfig covers both reaper entrypoints: the bearer token for the
// HTTP endpoint and the in-process schedule.
type CronConfig struct {
	Secret   string
	Schedule string
}

type LedgerConfig struct {
	// AdminBypass lets accounts flagged unlimited reserve without holding
	// credits. Resolved once at startup.
	AdminBypass bool
	// StaleAfter is how long a reservation may stay RESERVED before the
	// reaper refunds it.
	StaleAfter time.Duration
	// WebhookSecret verifies payment provider webhook signatures (HMAC-SHA256).
	WebhookSecret string
}

type PricingConfig struct {
	CreditEURValue     float64
	CreditMargin       float64
	TTSEURPer1kCredits float64
}

type RateLimitConfig struct {
	WebhookMaxReqs   int
	WebhookWindowSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Auth: AuthConfig{
			ServiceSecret: k.String("auth.service.secret"),
			Issuer:        k.String("auth.issuer"),
		},
		Cron: CronConfig{
			Secret:   k.String("cron.secret"),
			Schedule: k.String("cron.schedule"),
		},
		Ledger: LedgerConfig{
			AdminBypass:   true,
			WebhookSecret: k.String("webhook.secret"),
		},
		Pricing: PricingConfig{
			CreditEURValue:     k.Float64("pricing.credit.eur.value"),
			CreditMargin:       k.Float64("pricing.credit.margin"),
			TTSEURPer1kCredits: k.Float64("pricing.tts.eur.per1k"),
		},
		RateLimit: RateLimitConfig{
			WebhookMaxReqs:   k.Int("ratelimit.webhook.max"),
			WebhookWindowSec: k.Int("ratelimit.webhook.window"),
		},
		CORS: CORSConfig{
			AllowedOrigins: k.Strings("cors.allowed.origins"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Admin bypass stays on unless explicitly disabled.
	if k.Exists("ledger.admin.bypass") {
		cfg.Ledger.AdminBypass = k.Bool("ledger.admin.bypass")
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "energy"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "energy"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "stakeandscale"
	}
	if cfg.Cron.Schedule == "" {
		cfg.Cron.Schedule = "@every 5m"
	}
	if cfg.Pricing.CreditEURValue == 0 {
		cfg.Pricing.CreditEURValue = 0.1
	}
	if cfg.Pricing.CreditMargin == 0 {
		cfg.Pricing.CreditMargin = 1.2
	}
	if cfg.Pricing.TTSEURPer1kCredits == 0 {
		cfg.Pricing.TTSEURPer1kCredits = 0.2
	}
	if cfg.RateLimit.WebhookMaxReqs == 0 {
		cfg.RateLimit.WebhookMaxReqs = 60
	}
	if cfg.RateLimit.WebhookWindowSec == 0 {
		cfg.RateLimit.WebhookWindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	staleAfterStr := k.String("ledger.stale.after")
	if staleAfterStr == "" {
		staleAfterStr = "10m"
	}
	cfg.Ledger.StaleAfter, err = time.ParseDuration(staleAfterStr)
	if err != nil {
		return nil, fmt.Errorf("parsing ledger stale after: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
