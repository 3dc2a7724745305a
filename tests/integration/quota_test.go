//go:build integration

package integration

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaConsumeUntilDenied(t *testing.T) {
	env := SetupTestEnv(t)
	userID := uuid.New()

	body := map[string]any{
		"user_id": userID,
		"feature": "forge.media.image",
		"window":  "hour",
		"limit":   3,
	}

	for i := 0; i < 3; i++ {
		resp := DoRequest(t, env, "POST", "/api/v1/energy/quota/consume", body, SpendToken(t, env))
		require.Equal(t, http.StatusOK, resp.StatusCode, "attempt %d", i+1)
		resp.Body.Close()
	}

	resp := DoRequest(t, env, "POST", "/api/v1/energy/quota/consume", body, SpendToken(t, env))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	result := ParseResponse(t, resp)
	details := result["details"].(map[string]any)
	assert.Equal(t, false, details["allowed"])
	assert.NotEmpty(t, details["reset_at"])
}

func TestQuotaWindowsIndependent(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	// Exhaust the hourly window.
	for i := 0; i < 2; i++ {
		res, err := env.QuotaSvc.ConsumeHourly(ctx, userID, "forge.chat", 2)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := env.QuotaSvc.ConsumeHourly(ctx, userID, "forge.chat", 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Daily window and other features still have budget.
	res, err = env.QuotaSvc.ConsumeDaily(ctx, userID, "forge.chat", 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = env.QuotaSvc.ConsumeHourly(ctx, userID, "forge.tts", 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestQuotaConcurrentConsumersNeverExceedLimit(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	const limit = 5
	const workers = 20

	var wg sync.WaitGroup
	allowed := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.QuotaSvc.ConsumeHourly(ctx, userID, "forge.media.video", limit)
			if err != nil {
				allowed <- false
				return
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	granted := 0
	for ok := range allowed {
		if ok {
			granted++
		}
	}
	assert.Equal(t, limit, granted)
}

func TestQuotaDeniedBeforeReserveLeavesLedgerUntouched(t *testing.T) {
	env := SetupTestEnv(t)
	userID := uuid.New()
	grantCredits(t, env, userID, 100)

	body := map[string]any{
		"user_id": userID,
		"amount":  10,
		"feature": "forge.quota.combo",
		"quota":   map[string]any{"hourly_limit": 1},
	}

	resp := DoRequest(t, env, "POST", "/api/v1/energy/reserve", body, SpendToken(t, env))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Second attempt is quota-denied; the ledger must not be touched.
	resp = DoRequest(t, env, "POST", "/api/v1/energy/reserve", body, SpendToken(t, env))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, int64(90), balanceOf(t, env, userID), "only the first reserve held credits")
}
