package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/stakeandscale/energy/internal/ledger"
)

// Publisher emits ledger lifecycle events to JetStream. Publishing happens
// after the owning database transaction committed; failures are logged,
// never propagated, so event delivery can lag but accounting cannot.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

var _ ledger.Notifier = (*Publisher)(nil)

func (p *Publisher) Reserved(ctx context.Context, txn *ledger.Transaction) {
	p.publish(ctx, SubjectReserved, ReservedEvent{
		ReservationID: txn.ID,
		UserID:        txn.UserID,
		Feature:       txn.Feature,
		Credits:       txn.ReservedCredits(),
		BalanceAfter:  txn.BalanceAfter,
		At:            time.Now().UTC(),
	})
}

func (p *Publisher) Settled(ctx context.Context, txn *ledger.Transaction, finalCost int64) {
	p.publish(ctx, SubjectSettled, SettledEvent{
		ReservationID: txn.ID,
		UserID:        txn.UserID,
		Feature:       txn.Feature,
		FinalCredits:  finalCost,
		At:            time.Now().UTC(),
	})
}

func (p *Publisher) Refunded(ctx context.Context, txn *ledger.Transaction, reason string) {
	p.publish(ctx, SubjectRefunded, RefundedEvent{
		ReservationID: txn.ID,
		UserID:        txn.UserID,
		Feature:       txn.Feature,
		Credits:       txn.ReservedCredits(),
		Reason:        reason,
		At:            time.Now().UTC(),
	})
}

func (p *Publisher) Granted(ctx context.Context, txn *ledger.Transaction, reason string) {
	p.publish(ctx, SubjectGranted, GrantedEvent{
		TransactionID: txn.ID,
		UserID:        txn.UserID,
		Credits:       txn.Delta,
		Reason:        reason,
		At:            time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshaling energy event", "subject", subject, "error", err)
		return
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		slog.Warn("publishing energy event", "subject", subject, "error", err)
	}
}
