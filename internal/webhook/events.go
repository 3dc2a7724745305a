package webhook

import "github.com/google/uuid"

// Payment event types that grant credits. Anything else is acknowledged
// without effect.
const (
	EventCheckoutCompleted     = "checkout.completed"
	EventInvoicePaymentSuccess = "invoice.payment_succeeded"
)

// Event is the payment provider's delivery envelope.
type Event struct {
	ID   string    `json:"id" validate:"required"`
	Type string    `json:"type" validate:"required"`
	Data EventData `json:"data"`
}

// EventData carries the grant parameters for credit-bearing events.
type EventData struct {
	UserID  uuid.UUID `json:"user_id"`
	Credits int64     `json:"credits"`
	Reason  string    `json:"reason"`
}

// GrantsCredits reports whether this event type results in a credit grant.
func GrantsCredits(eventType string) bool {
	return eventType == EventCheckoutCompleted || eventType == EventInvoicePaymentSuccess
}
