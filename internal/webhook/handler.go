package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stakeandscale/energy/internal/api"
	"github.com/stakeandscale/energy/internal/ledger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

const maxBodyBytes = 64 * 1024

// Granter applies credit grants for payment events.
type Granter interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*ledger.Receipt, error)
}

// Processor runs an event handler at most once per event id.
type Processor interface {
	ProcessOnce(ctx context.Context, eventID, eventType string, fn func(ctx context.Context) error) (bool, error)
}

// Handler receives payment provider webhooks.
type Handler struct {
	guard    Processor
	granter  Granter
	secret   []byte
	validate *validator.Validate
}

// NewHandler creates a new webhook Handler.
func NewHandler(guard Processor, granter Granter, secret string) *Handler {
	return &Handler{
		guard:    guard,
		granter:  granter,
		secret:   []byte(secret),
		validate: validator.New(),
	}
}

// HandlePayment verifies the delivery signature, deduplicates by event id
// and applies credit grants for recognized event types. Failures return
// 500 so the provider retries the delivery.
func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		slog.Warn("webhook signature verification failed", "remote", r.RemoteAddr)
		api.HandleError(w, api.ErrInvalidSignature)
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		api.HandleError(w, api.NewBadRequestError("malformed event payload"))
		return
	}
	if err := h.validate.Struct(&event); err != nil {
		api.HandleError(w, api.ErrValidation)
		return
	}

	if !GrantsCredits(event.Type) {
		slog.Debug("ignoring webhook event type", "event_id", event.ID, "type", event.Type)
		api.JSONMessage(w, http.StatusOK, "ignored")
		return
	}

	if event.Data.UserID == uuid.Nil || event.Data.Credits <= 0 {
		api.HandleError(w, api.NewBadRequestError("event data missing user_id or credits"))
		return
	}

	reason := event.Data.Reason
	if reason == "" {
		reason = event.Type
	}

	processed, err := h.guard.ProcessOnce(r.Context(), event.ID, event.Type, func(ctx context.Context) error {
		_, err := h.granter.Grant(ctx, event.Data.UserID, event.Data.Credits, reason)
		return err
	})
	if err != nil {
		slog.Error("webhook event processing failed", "event_id", event.ID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	if !processed {
		api.JSONMessage(w, http.StatusOK, "already processed")
		return
	}
	api.JSONMessage(w, http.StatusOK, "processed")
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	if header == "" {
		return false
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the signature header value for a body. Used by tests and
// by callers simulating deliveries.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
