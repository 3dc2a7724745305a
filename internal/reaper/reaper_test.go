package reaper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeandscale/energy/internal/ledger"
)

type fakeLister struct {
	stale []ledger.Transaction
}

func (f *fakeLister) ListStaleReserved(ctx context.Context, before time.Time, limit int) ([]ledger.Transaction, error) {
	out := f.stale
	if len(out) > limit {
		out = out[:limit]
	}
	f.stale = f.stale[len(out):]
	return out, nil
}

type fakeRefunder struct {
	refunded []uuid.UUID
	reasons  []string
	failFor  map[uuid.UUID]error
}

func (f *fakeRefunder) Refund(ctx context.Context, id uuid.UUID, reason string) (*ledger.Receipt, error) {
	if err, ok := f.failFor[id]; ok {
		return nil, err
	}
	f.refunded = append(f.refunded, id)
	f.reasons = append(f.reasons, reason)
	return &ledger.Receipt{}, nil
}

type fakeCleaner struct {
	called  bool
	removed int64
}

func (f *fakeCleaner) CleanupExpired(ctx context.Context) (int64, error) {
	f.called = true
	return f.removed, nil
}

func staleTxn() ledger.Transaction {
	return ledger.Transaction{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Delta:     -25,
		Type:      ledger.TypeSpend,
		Status:    ledger.StatusReserved,
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

func TestSweep_RefundsAllStale(t *testing.T) {
	lister := &fakeLister{stale: []ledger.Transaction{staleTxn(), staleTxn(), staleTxn()}}
	refunder := &fakeRefunder{}
	cleaner := &fakeCleaner{removed: 2}
	r := New(lister, refunder, cleaner, 10*time.Minute)

	result, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Len(t, refunder.refunded, 3)
	for _, reason := range refunder.reasons {
		assert.Equal(t, RefundReason, reason)
	}
	assert.True(t, cleaner.called)
}

func TestSweep_OneFailureDoesNotStopOthers(t *testing.T) {
	bad := staleTxn()
	lister := &fakeLister{stale: []ledger.Transaction{staleTxn(), bad, staleTxn()}}
	refunder := &fakeRefunder{failFor: map[uuid.UUID]error{bad.ID: errors.New("deadlock")}}
	r := New(lister, refunder, nil, 10*time.Minute)

	result, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.NotContains(t, refunder.refunded, bad.ID)
}

func TestSweep_NothingStale(t *testing.T) {
	r := New(&fakeLister{}, &fakeRefunder{}, nil, 10*time.Minute)

	result, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestSweep_DrainsMultipleBatches(t *testing.T) {
	var stale []ledger.Transaction
	for i := 0; i < sweepBatchSize+20; i++ {
		stale = append(stale, staleTxn())
	}
	lister := &fakeLister{stale: stale}
	refunder := &fakeRefunder{}
	r := New(lister, refunder, nil, 10*time.Minute)

	result, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweepBatchSize+20, result.Succeeded)
}

// reservedTable lists rows until they are refunded, the way the real store
// re-returns still-RESERVED rows on every scan.
type reservedTable struct {
	order   []uuid.UUID
	rows    map[uuid.UUID]ledger.Transaction
	failing map[uuid.UUID]error
}

func newReservedTable(txns ...ledger.Transaction) *reservedTable {
	s := &reservedTable{rows: map[uuid.UUID]ledger.Transaction{}, failing: map[uuid.UUID]error{}}
	for _, txn := range txns {
		s.order = append(s.order, txn.ID)
		s.rows[txn.ID] = txn
	}
	return s
}

func (s *reservedTable) ListStaleReserved(ctx context.Context, before time.Time, limit int) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, id := range s.order {
		if txn, ok := s.rows[id]; ok {
			out = append(out, txn)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *reservedTable) Refund(ctx context.Context, id uuid.UUID, reason string) (*ledger.Receipt, error) {
	if err, ok := s.failing[id]; ok {
		return nil, err
	}
	delete(s.rows, id)
	return &ledger.Receipt{}, nil
}

func TestSweep_TerminatesWhenFullBatchKeepsFailing(t *testing.T) {
	good := staleTxn()
	txns := []ledger.Transaction{good}
	for i := 0; i < sweepBatchSize+50; i++ {
		txns = append(txns, staleTxn())
	}
	table := newReservedTable(txns...)
	for _, txn := range txns[1:] {
		table.failing[txn.ID] = errors.New("account row gone")
	}
	r := New(table, table, nil, 10*time.Minute)

	result, err := r.Sweep(context.Background())
	require.NoError(t, err)

	// First batch refunds the one good row; the second is all failures and
	// the sweep stops instead of re-fetching those rows again.
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2*sweepBatchSize, result.Processed)
	assert.Equal(t, 2*sweepBatchSize-1, result.Failed)
	assert.NotContains(t, table.rows, good.ID)
}

func TestReapHandler_RequiresSecret(t *testing.T) {
	r := New(&fakeLister{}, &fakeRefunder{}, nil, 10*time.Minute)
	h := NewHandler(r, "cron-secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cron/reap", nil)
	rec := httptest.NewRecorder()
	h.Reap(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/cron/reap", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.Reap(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReapHandler_RunsSweep(t *testing.T) {
	lister := &fakeLister{stale: []ledger.Transaction{staleTxn()}}
	r := New(lister, &fakeRefunder{}, nil, 10*time.Minute)
	h := NewHandler(r, "cron-secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cron/reap", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	h.Reap(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processed":1`)
}

func TestReapHandler_EmptySecretNeverAuthorizes(t *testing.T) {
	r := New(&fakeLister{}, &fakeRefunder{}, nil, 10*time.Minute)
	h := NewHandler(r, "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cron/reap", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.Reap(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
