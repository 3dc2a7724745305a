package events

import (
	"time"

	"github.com/google/uuid"
)

// Subjects under the ENERGY_EVENTS stream.
const (
	SubjectReserved = "energy.events.reserved"
	SubjectSettled  = "energy.events.settled"
	SubjectRefunded = "energy.events.refunded"
	SubjectGranted  = "energy.events.granted"
)

// ReservedEvent announces a new credit hold.
type ReservedEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	UserID        uuid.UUID `json:"user_id"`
	Feature       string    `json:"feature"`
	Credits       int64     `json:"credits"`
	BalanceAfter  int64     `json:"balance_after"`
	At            time.Time `json:"at"`
}

// SettledEvent announces a finalized reservation.
type SettledEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	UserID        uuid.UUID `json:"user_id"`
	Feature       string    `json:"feature"`
	FinalCredits  int64     `json:"final_credits"`
	At            time.Time `json:"at"`
}

// RefundedEvent announces a released hold.
type RefundedEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	UserID        uuid.UUID `json:"user_id"`
	Feature       string    `json:"feature"`
	Credits       int64     `json:"credits"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// GrantedEvent announces added credit.
type GrantedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        uuid.UUID `json:"user_id"`
	Credits       int64     `json:"credits"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}
