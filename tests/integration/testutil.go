//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stakeandscale/energy/internal/api"
	"github.com/stakeandscale/energy/internal/auth"
	"github.com/stakeandscale/energy/internal/ledger"
	"github.com/stakeandscale/energy/internal/middleware"
	"github.com/stakeandscale/energy/internal/pricing"
	"github.com/stakeandscale/energy/internal/quota"
	"github.com/stakeandscale/energy/internal/reaper"
	"github.com/stakeandscale/energy/internal/webhook"
)

const (
	testServiceSecret = "test-service-secret-32-chars-long!!!"
	testWebhookSecret = "whsec_integration_test"
	testCronSecret    = "cron-integration-secret"
	testStaleAfter    = 10 * time.Minute
)

type TestEnv struct {
	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Server      *httptest.Server
	Store       ledger.Store
	LedgerSvc   *ledger.Service
	QuotaSvc    *quota.Service
	Reaper      *reaper.Reaper
	Tokens      *auth.TokenManager
}

var testEnv *TestEnv

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "energy_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/energy_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	// Run migrations
	m, err := migrate.New(fmt.Sprintf("file://%s", getMigrationsPath()), dsn)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	// Setup services
	store := ledger.NewStore(pool)
	ledgerSvc := ledger.NewService(store, nil, true)

	quotaRepo := quota.NewRepository(pool)
	quotaSvc := quota.NewService(quotaRepo)

	calc := pricing.NewCalculator(0.1, 1.2, 0.2)
	reap := reaper.New(store, ledgerSvc, quotaSvc, testStaleAfter)

	tokens := auth.NewTokenManager(testServiceSecret, "stakeandscale", time.Hour)
	ledgerHandler := ledger.NewHandler(ledgerSvc, quotaSvc)
	quotaHandler := quota.NewHandler(quotaSvc)
	pricingHandler := pricing.NewHandler(calc)
	reapHandler := reaper.NewHandler(reap, testCronSecret)
	webhookHandler := webhook.NewHandler(webhook.NewGuard(pool), ledgerSvc, testWebhookSecret)
	webhookLimiter := middleware.NewRateLimiter(redisClient, "webhook", 100, 60)

	router := api.NewRouter(pool, api.RouterConfig{
		WebhookRateLimiter: webhookLimiter.Middleware,
	}, api.HandlerSet{
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

		AuthMiddleware: auth.Middleware(tokens),
		RequireSpend:   auth.RequireScope(auth.ScopeSpend),
		RequireGrant:   auth.RequireScope(auth.ScopeGrant),
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() { server.Close() })

	testEnv = &TestEnv{
		Pool:        pool,
		RedisClient: redisClient,
		Server:      server,
		Store:       store,
		LedgerSvc:   ledgerSvc,
		QuotaSvc:    quotaSvc,
		Reaper:      reap,
		Tokens:      tokens,
	}

	return testEnv
}

func getMigrationsPath() string {
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

func SpendToken(t *testing.T, env *TestEnv) string {
	t.Helper()
	token, err := env.Tokens.Generate("forge", []string{auth.ScopeSpend})
	if err != nil {
		t.Fatalf("generating spend token: %v", err)
	}
	return token
}

func GrantToken(t *testing.T, env *TestEnv) string {
	t.Helper()
	token, err := env.Tokens.Generate("billing", []string{auth.ScopeGrant})
	if err != nil {
		t.Fatalf("generating grant token: %v", err)
	}
	return token
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}
