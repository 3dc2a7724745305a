//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeandscale/energy/internal/ledger"
)

// backdate rewrites a reservation's created_at so the sweep sees it as stale.
func backdate(t *testing.T, env *TestEnv, reservationID uuid.UUID, age time.Duration) {
	t.Helper()
	_, err := env.Pool.Exec(context.Background(),
		`UPDATE ledger_transactions SET created_at = NOW() - $2::interval WHERE id = $1`,
		reservationID, age.String())
	require.NoError(t, err)
}

func TestReaperRefundsStaleReservations(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	grantCredits(t, env, userID, 100)

	res, err := env.LedgerSvc.Reserve(ctx, ledger.ReserveInput{
		UserID: userID, Amount: 30, Feature: "forge.media.video",
	})
	require.NoError(t, err)
	backdate(t, env, res.ReservationID, time.Hour)

	result, err := env.Reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Succeeded, 1)

	bal, err := env.LedgerSvc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	txn, err := env.Store.GetTransaction(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, txn.Status)
}

func TestReaperSkipsFreshReservations(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	grantCredits(t, env, userID, 100)

	res, err := env.LedgerSvc.Reserve(ctx, ledger.ReserveInput{
		UserID: userID, Amount: 30, Feature: "forge.media.image",
	})
	require.NoError(t, err)

	_, err = env.Reaper.Sweep(ctx)
	require.NoError(t, err)

	txn, err := env.Store.GetTransaction(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReserved, txn.Status, "fresh reservation left alone")
}

func TestCronEndpoint(t *testing.T) {
	env := SetupTestEnv(t)

	resp := DoRequest(t, env, "POST", "/api/v1/cron/reap", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = DoRequest(t, env, "POST", "/api/v1/cron/reap", nil, testCronSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	assert.Contains(t, data, "processed")
	assert.Contains(t, data, "duration_ms")
}
