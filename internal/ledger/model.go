package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TxType classifies a ledger entry.
type TxType string

const (
	TypeGrant      TxType = "GRANT"
	TypeSpend      TxType = "SPEND"
	TypeAdjustment TxType = "ADJUSTMENT"
)

// TxStatus is the lifecycle state of a ledger entry. SPEND entries start
// RESERVED and move exactly once to a terminal status; GRANT and ADJUSTMENT
// entries are created SETTLED.
type TxStatus string

const (
	StatusReserved  TxStatus = "RESERVED"
	StatusSettled   TxStatus = "SETTLED"
	StatusRefunded  TxStatus = "REFUNDED"
	StatusCancelled TxStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transition.
func (s TxStatus) Terminal() bool {
	return s == StatusSettled || s == StatusRefunded || s == StatusCancelled
}

// Account matches the accounts table schema. Accounts are created lazily on
// the first grant or reservation and never deleted.
type Account struct {
	UserID         uuid.UUID `json:"user_id"`
	CreditsBalance int64     `json:"credits_balance"`
	Unlimited      bool      `json:"unlimited"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TokenUsage records provider token counts reported at settlement.
type TokenUsage struct {
	PromptTokens     int32 `json:"prompt_tokens,omitempty"`
	CompletionTokens int32 `json:"completion_tokens,omitempty"`
	TotalTokens      int32 `json:"total_tokens,omitempty"`
}

// Transaction matches the ledger_transactions table schema. Rows are
// immutable except for the single status transition of a SPEND entry.
type Transaction struct {
	ID                   uuid.UUID       `json:"id"`
	UserID               uuid.UUID       `json:"user_id"`
	Delta                int64           `json:"delta"`
	BalanceAfter         int64           `json:"balance_after"`
	Type                 TxType          `json:"type"`
	Status               TxStatus        `json:"status"`
	Feature              string          `json:"feature"`
	Provider             *string         `json:"provider,omitempty"`
	Model                *string         `json:"model,omitempty"`
	PromptTokens         *int32          `json:"prompt_tokens,omitempty"`
	CompletionTokens     *int32          `json:"completion_tokens,omitempty"`
	TotalTokens          *int32          `json:"total_tokens,omitempty"`
	RequestID            *string         `json:"request_id,omitempty"`
	RelatedTransactionID *uuid.UUID      `json:"related_transaction_id,omitempty"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	SettledAt            *time.Time      `json:"settled_at,omitempty"`
}

// ReservedCredits is the amount held by a SPEND entry. For admin-bypass
// reservations the delta is zero and the held amount lives in metadata only.
func (t *Transaction) ReservedCredits() int64 {
	if t.Delta < 0 {
		return -t.Delta
	}
	return 0
}

// AppendParams is the input to the single atomic ledger primitive.
type AppendParams struct {
	UserID               uuid.UUID
	Delta                int64
	Type                 TxType
	Status               TxStatus
	Feature              string
	Provider             string
	Model                string
	Usage                *TokenUsage
	RequestID            string
	RelatedTransactionID *uuid.UUID
	Metadata             map[string]any
}

// FinalizeParams describes the one-time status transition of a reservation.
type FinalizeParams struct {
	Status    TxStatus
	SettledAt *time.Time
	Metadata  map[string]any
	Provider  string
	Model     string
	Usage     *TokenUsage
}

// Reservation is returned by Reserve.
type Reservation struct {
	ReservationID   uuid.UUID `json:"reservation_id"`
	ReservedCredits int64     `json:"reserved_credits"`
	BalanceAfter    int64     `json:"balance_after"`
	Status          TxStatus  `json:"status"`
	Reused          bool      `json:"reused,omitempty"`
}

// Receipt is returned by Settle, Refund and Grant.
type Receipt struct {
	Balance int64 `json:"balance"`
}

// ReserveInput carries caller-supplied reservation parameters.
type ReserveInput struct {
	UserID    uuid.UUID
	Amount    int64
	Feature   string
	RequestID string
	Provider  string
	Model     string
	Metadata  map[string]any
}

// SettleInput carries caller-supplied settlement parameters.
type SettleInput struct {
	ReservationID uuid.UUID
	FinalCost     *int64
	Provider      string
	Model         string
	Usage         *TokenUsage
	Metadata      map[string]any
}

// ListParams holds pagination for transaction history queries.
type ListParams struct {
	Page     int
	PageSize int
}

func DefaultListParams() ListParams {
	return ListParams{Page: 1, PageSize: 20}
}

func mergeMetadata(base json.RawMessage, next map[string]any) map[string]any {
	merged := map[string]any{}
	if len(base) > 0 {
		// Ignore malformed stored metadata rather than failing the settlement.
		_ = json.Unmarshal(base, &merged)
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}
