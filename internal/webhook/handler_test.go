package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeandscale/energy/internal/ledger"
)

const testWebhookSecret = "whsec_test"

type fakeGuard struct {
	seen map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{seen: map[string]bool{}}
}

func (g *fakeGuard) ProcessOnce(ctx context.Context, eventID, eventType string, fn func(ctx context.Context) error) (bool, error) {
	if g.seen[eventID] {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		return false, err
	}
	g.seen[eventID] = true
	return true, nil
}

type fakeGranter struct {
	calls []grantCall
	err   error
}

type grantCall struct {
	userID uuid.UUID
	amount int64
	reason string
}

func (g *fakeGranter) Grant(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*ledger.Receipt, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.calls = append(g.calls, grantCall{userID: userID, amount: amount, reason: reason})
	return &ledger.Receipt{Balance: amount}, nil
}

func deliver(t *testing.T, h *Handler, event Event, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(body))
	if sign {
		req.Header.Set(SignatureHeader, Sign(testWebhookSecret, body))
	}
	rec := httptest.NewRecorder()
	h.HandlePayment(rec, req)
	return rec
}

func TestHandlePayment_GrantsCredits(t *testing.T) {
	granter := &fakeGranter{}
	h := NewHandler(newFakeGuard(), granter, testWebhookSecret)
	userID := uuid.New()

	rec := deliver(t, h, Event{
		ID:   "evt_1",
		Type: EventCheckoutCompleted,
		Data: EventData{UserID: userID, Credits: 500, Reason: "starter-pack"},
	}, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, granter.calls, 1)
	assert.Equal(t, userID, granter.calls[0].userID)
	assert.Equal(t, int64(500), granter.calls[0].amount)
	assert.Equal(t, "starter-pack", granter.calls[0].reason)
}

func TestHandlePayment_DuplicateDeliveryGrantsOnce(t *testing.T) {
	granter := &fakeGranter{}
	h := NewHandler(newFakeGuard(), granter, testWebhookSecret)
	event := Event{
		ID:   "evt_dup",
		Type: EventInvoicePaymentSuccess,
		Data: EventData{UserID: uuid.New(), Credits: 100},
	}

	first := deliver(t, h, event, true)
	second := deliver(t, h, event, true)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Len(t, granter.calls, 1, "retry must not grant twice")
}

func TestHandlePayment_MissingSignature(t *testing.T) {
	granter := &fakeGranter{}
	h := NewHandler(newFakeGuard(), granter, testWebhookSecret)

	rec := deliver(t, h, Event{
		ID:   "evt_2",
		Type: EventCheckoutCompleted,
		Data: EventData{UserID: uuid.New(), Credits: 100},
	}, false)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, granter.calls)
}

func TestHandlePayment_BadSignature(t *testing.T) {
	granter := &fakeGranter{}
	h := NewHandler(newFakeGuard(), granter, testWebhookSecret)

	body, err := json.Marshal(Event{
		ID:   "evt_3",
		Type: EventCheckoutCompleted,
		Data: EventData{UserID: uuid.New(), Credits: 100},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	h.HandlePayment(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, granter.calls)
}

func TestHandlePayment_UnrecognizedTypeAcknowledged(t *testing.T) {
	granter := &fakeGranter{}
	h := NewHandler(newFakeGuard(), granter, testWebhookSecret)

	rec := deliver(t, h, Event{ID: "evt_4", Type: "customer.updated"}, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, granter.calls)
}

func TestHandlePayment_GrantFailureReturns500(t *testing.T) {
	granter := &fakeGranter{err: errors.New("db down")}
	guard := newFakeGuard()
	h := NewHandler(guard, granter, testWebhookSecret)
	event := Event{
		ID:   "evt_5",
		Type: EventCheckoutCompleted,
		Data: EventData{UserID: uuid.New(), Credits: 100},
	}

	rec := deliver(t, h, event, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, guard.seen["evt_5"], "marker must be released for retry")

	// Retry after recovery succeeds.
	granter.err = nil
	rec = deliver(t, h, event, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, granter.calls, 1)
}

func TestHandlePayment_MissingGrantData(t *testing.T) {
	granter := &fakeGranter{}
	h := NewHandler(newFakeGuard(), granter, testWebhookSecret)

	rec := deliver(t, h, Event{ID: "evt_6", Type: EventCheckoutCompleted}, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, granter.calls)
}
