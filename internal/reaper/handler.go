package reaper

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stakeandscale/energy/internal/api"
)

// Handler exposes the sweep as a cron endpoint protected by a shared
// secret, for platforms that schedule jobs via HTTP.
type Handler struct {
	reaper *Reaper
	secret string
}

// NewHandler creates a new cron Handler.
func NewHandler(reaper *Reaper, secret string) *Handler {
	return &Handler{reaper: reaper, secret: secret}
}

type sweepResponse struct {
	Processed  int   `json:"processed"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
}

// Reap runs one sweep and reports the outcome.
func (h *Handler) Reap(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	result, err := h.reaper.Sweep(r.Context())
	if err != nil {
		slog.Error("reaper sweep failed", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, sweepResponse{
		Processed:  result.Processed,
		Succeeded:  result.Succeeded,
		Failed:     result.Failed,
		DurationMS: result.Duration.Milliseconds(),
	})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(h.secret)) == 1
}
