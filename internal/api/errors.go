package api

import (
	"errors"
	"net/http"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest       = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized     = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden        = &AppError{Code: http.StatusForbidden, Message: "forbidden"}
	ErrNotFound         = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrConflict         = &AppError{Code: http.StatusConflict, Message: "conflict"}
	ErrInternalServer   = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrInvalidToken     = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrInvalidSignature = &AppError{Code: http.StatusBadRequest, Message: "invalid signature"}
	ErrValidation       = &AppError{Code: http.StatusBadRequest, Message: "validation error"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// NewInsufficientEnergyError maps a failed hold to 402 with the shortfall
// amounts so callers can prompt a top-up.
func NewInsufficientEnergyError(required, available int64) *AppError {
	return &AppError{
		Code:    http.StatusPaymentRequired,
		Message: "insufficient energy",
		Details: map[string]int64{"required": required, "available": available},
	}
}

// NewQuotaExceededError maps a denied quota consumption to 429.
func NewQuotaExceededError(details any) *AppError {
	return &AppError{
		Code:    http.StatusTooManyRequests,
		Message: "quota exceeded",
		Details: details,
	}
}

// HandleError writes err as a JSON error response. Unknown errors become
// opaque 500s.
func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONErrorDetails(w, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
