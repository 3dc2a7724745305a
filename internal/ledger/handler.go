package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stakeandscale/energy/internal/api"
	"github.com/stakeandscale/energy/internal/quota"
)

// QuotaConsumer gates reservations behind usage windows. Consumption
// happens before the hold so denied requests never touch the ledger.
type QuotaConsumer interface {
	ConsumeHourly(ctx context.Context, userID uuid.UUID, feature string, limit int64) (*quota.Result, error)
	ConsumeDaily(ctx context.Context, userID uuid.UUID, feature string, limit int64) (*quota.Result, error)
}

// Handler provides HTTP handlers for ledger endpoints.
type Handler struct {
	svc      *Service
	quota    QuotaConsumer
	validate *validator.Validate
}

// NewHandler creates a new ledger Handler.
func NewHandler(svc *Service, quotaSvc QuotaConsumer) *Handler {
	return &Handler{
		svc:      svc,
		quota:    quotaSvc,
		validate: validator.New(),
	}
}

type quotaBlock struct {
	HourlyLimit int64 `json:"hourly_limit" validate:"omitempty,min=1"`
	DailyLimit  int64 `json:"daily_limit" validate:"omitempty,min=1"`
}

type reserveRequest struct {
	UserID    uuid.UUID      `json:"user_id" validate:"required"`
	Amount    int64          `json:"amount" validate:"required,min=1"`
	Feature   string         `json:"feature" validate:"required,max=128"`
	RequestID string         `json:"request_id" validate:"omitempty,max=255"`
	Provider  string         `json:"provider" validate:"omitempty,max=64"`
	Model     string         `json:"model" validate:"omitempty,max=128"`
	Metadata  map[string]any `json:"metadata"`
	Quota     *quotaBlock    `json:"quota"`
}

// Reserve places a hold on the user's credits, optionally consuming quota
// first.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.Quota != nil {
		if !h.consumeQuota(w, r, req.UserID, req.Feature, req.Quota) {
			return
		}
	}

	res, err := h.svc.Reserve(r.Context(), ReserveInput{
		UserID:    req.UserID,
		Amount:    req.Amount,
		Feature:   req.Feature,
		RequestID: req.RequestID,
		Provider:  req.Provider,
		Model:     req.Model,
		Metadata:  req.Metadata,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	api.JSON(w, status, res)
}

func (h *Handler) consumeQuota(w http.ResponseWriter, r *http.Request, userID uuid.UUID, feature string, q *quotaBlock) bool {
	if q.HourlyLimit > 0 {
		res, err := h.quota.ConsumeHourly(r.Context(), userID, feature, q.HourlyLimit)
		if err != nil {
			handleError(w, err)
			return false
		}
		if !res.Allowed {
			api.HandleError(w, api.NewQuotaExceededError(res))
			return false
		}
	}
	if q.DailyLimit > 0 {
		res, err := h.quota.ConsumeDaily(r.Context(), userID, feature, q.DailyLimit)
		if err != nil {
			handleError(w, err)
			return false
		}
		if !res.Allowed {
			api.HandleError(w, api.NewQuotaExceededError(res))
			return false
		}
	}
	return true
}

type settleRequest struct {
	FinalCost *int64         `json:"final_cost" validate:"omitempty,min=0"`
	Provider  string         `json:"provider" validate:"omitempty,max=64"`
	Model     string         `json:"model" validate:"omitempty,max=128"`
	Usage     *TokenUsage    `json:"usage"`
	Metadata  map[string]any `json:"metadata"`
}

// Settle finalizes a reservation with its actual cost.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req settleRequest
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.svc.Settle(r.Context(), SettleInput{
		ReservationID: reservationID,
		FinalCost:     req.FinalCost,
		Provider:      req.Provider,
		Model:         req.Model,
		Usage:         req.Usage,
		Metadata:      req.Metadata,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, receipt)
}

type refundRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// Refund releases a reservation's hold back to the user.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.svc.Refund(r.Context(), reservationID, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, receipt)
}

type grantRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Amount int64     `json:"amount" validate:"required,min=1"`
	Reason string    `json:"reason" validate:"required,max=255"`
}

// Grant adds settled credit to a user's account.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.svc.Grant(r.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, receipt)
}

// Balance returns the user's current credit balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user id"))
		return
	}

	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, Receipt{Balance: balance})
}

// Transactions returns the user's paginated transaction history.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user id"))
		return
	}

	params := parseListParams(r)
	txns, total, err := h.svc.History(r.Context(), userID, params)
	if err != nil {
		handleError(w, err)
		return
	}
	if txns == nil {
		txns = []Transaction{}
	}
	api.JSONPaginated(w, http.StatusOK, txns, total, params.Page, params.PageSize)
}

// handleError translates ledger errors to their HTTP statuses before
// falling back to the shared mapping.
func handleError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientEnergyError
	if errors.As(err, &insufficient) {
		api.HandleError(w, api.NewInsufficientEnergyError(insufficient.Required, insufficient.Available))
		return
	}

	switch {
	case errors.Is(err, ErrReservationNotFound):
		api.HandleError(w, api.NewNotFoundError("reservation not found"))
	case errors.Is(err, ErrInvalidAmount):
		api.HandleError(w, api.NewBadRequestError("amount must be positive"))
	default:
		api.HandleError(w, err)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.HandleError(w, api.NewBadRequestError("malformed request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		api.HandleError(w, api.ErrValidation)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid reservation id"))
		return uuid.Nil, false
	}
	return id, true
}

func parseListParams(r *http.Request) ListParams {
	params := DefaultListParams()
	if page, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && page > 0 {
		params.Page = page
	}
	if size, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && size > 0 && size <= 100 {
		params.PageSize = size
	}
	return params
}
