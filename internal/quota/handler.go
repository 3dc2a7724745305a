package quota

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stakeandscale/energy/internal/api"
)

// Handler provides HTTP handlers for quota endpoints.
type Handler struct {
	svc      *Service
	validate *validator.Validate
}

// NewHandler creates a new quota Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

type consumeRequest struct {
	UserID  uuid.UUID `json:"user_id" validate:"required"`
	Feature string    `json:"feature" validate:"required,max=128"`
	Window  Window    `json:"window" validate:"required,oneof=hour day"`
	Limit   int64     `json:"limit" validate:"required,min=1"`
}

// Consume takes one unit of quota from the requested window. A denied
// attempt answers 429 with the window's reset time.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("malformed request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		api.HandleError(w, api.ErrValidation)
		return
	}

	result, err := h.svc.Consume(r.Context(), req.UserID, req.Feature, req.Window, req.Limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	if !result.Allowed {
		api.HandleError(w, api.NewQuotaExceededError(result))
		return
	}
	api.JSON(w, http.StatusOK, result)
}
