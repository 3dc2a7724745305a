package ledger

import (
	"errors"
	"fmt"
)

// ErrNegativeBalance is the internal guard inside the store's append
// primitive: the mutation would drive the account balance below zero.
// Reserve translates it into InsufficientEnergyError before it reaches
// callers.
var ErrNegativeBalance = errors.New("resulting balance would be negative")

// ErrReservationNotFound is returned when a settle or refund references an
// unknown reservation id, or an id that is not a SPEND entry.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrInvalidAmount is returned for non-positive reserve/grant amounts and
// negative settlement costs.
var ErrInvalidAmount = errors.New("amount must be positive")

// InsufficientEnergyError is the caller-visible "not enough credits"
// condition. No ledger row is written and the balance is unchanged.
type InsufficientEnergyError struct {
	Required  int64
	Available int64
}

func (e *InsufficientEnergyError) Error() string {
	return fmt.Sprintf("insufficient energy: need %d credits, have %d", e.Required, e.Available)
}
