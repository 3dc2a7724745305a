package pricing

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/stakeandscale/energy/internal/api"
)

// Handler exposes the pricing estimators over HTTP so callers can price an
// operation before reserving.
type Handler struct {
	calc     *Calculator
	validate *validator.Validate
}

// NewHandler creates a new pricing Handler.
func NewHandler(calc *Calculator) *Handler {
	return &Handler{calc: calc, validate: validator.New()}
}

type estimateRequest struct {
	Kind string `json:"kind" validate:"required,oneof=eur tokens tts"`

	// eur
	CostEUR float64 `json:"cost_eur" validate:"omitempty,min=0"`

	// tokens
	Text         string `json:"text" validate:"omitempty,max=100000"`
	TotalTokens  int64  `json:"total_tokens" validate:"omitempty,min=0"`
	CreditsPer1k int64  `json:"credits_per_1k" validate:"omitempty,min=1"`

	// tts
	TextLength      int64   `json:"text_length" validate:"omitempty,min=0"`
	ModelID         string  `json:"model_id" validate:"omitempty,max=128"`
	VoiceMultiplier float64 `json:"voice_multiplier" validate:"omitempty,min=0"`

	Minimum int64 `json:"minimum" validate:"omitempty,min=1"`
}

type estimateResponse struct {
	Credits         int64        `json:"credits"`
	EstimatedTokens int64        `json:"estimated_tokens,omitempty"`
	TTS             *TTSEstimate `json:"tts,omitempty"`
}

// Estimate prices an operation without touching any balance.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("malformed request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		api.HandleError(w, api.ErrValidation)
		return
	}

	switch req.Kind {
	case "eur":
		api.JSON(w, http.StatusOK, estimateResponse{
			Credits: h.calc.CreditsFromEUR(req.CostEUR, req.Minimum),
		})

	case "tokens":
		tokens := req.TotalTokens
		if tokens == 0 && req.Text != "" {
			tokens = EstimateTokens(req.Text)
		}
		api.JSON(w, http.StatusOK, estimateResponse{
			Credits:         TokenCredits(tokens, req.CreditsPer1k, req.Minimum),
			EstimatedTokens: tokens,
		})

	case "tts":
		length := req.TextLength
		if length == 0 && req.Text != "" {
			length = int64(len(req.Text))
		}
		est := h.calc.EstimateTTS(length, req.ModelID, req.VoiceMultiplier, req.Minimum)
		api.JSON(w, http.StatusOK, estimateResponse{Credits: est.Credits, TTS: &est})
	}
}
