package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stakeandscale/energy/internal/metrics"
)

// Notifier receives post-commit lifecycle notifications for downstream
// consumers. Calls happen after the database transaction committed;
// implementations must never fail the ledger operation.
type Notifier interface {
	Reserved(ctx context.Context, txn *Transaction)
	Settled(ctx context.Context, txn *Transaction, finalCost int64)
	Refunded(ctx context.Context, txn *Transaction, reason string)
	Granted(ctx context.Context, txn *Transaction, reason string)
}

// Service implements the reserve -> settle/refund lifecycle on top of the
// ledger store. All methods are safe for concurrent use; per-user
// serialization happens inside the store's append primitive.
type Service struct {
	store       Store
	notify      Notifier
	adminBypass bool
}

// NewService creates the reservation manager. notifier may be nil to
// disable event publishing.
func NewService(store Store, notifier Notifier, adminBypass bool) *Service {
	return &Service{
		store:       store,
		notify:      notifier,
		adminBypass: adminBypass,
	}
}

// Reserve places a provisional hold of in.Amount credits against the user's
// balance. Retries carrying the same RequestID return the original
// reservation instead of holding twice.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (*Reservation, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var out *Reservation
	var created *Transaction

	err := s.store.WithTx(ctx, func(tx Tx) error {
		if in.RequestID != "" {
			existing, err := tx.GetByRequestID(ctx, in.RequestID)
			if err != nil {
				return err
			}
			if existing != nil {
				out = reservationFrom(existing, true)
				return nil
			}
		}

		meta := map[string]any{}
		for k, v := range in.Metadata {
			meta[k] = v
		}
		meta["reserved_credits"] = in.Amount

		params := AppendParams{
			UserID:    in.UserID,
			Delta:     -in.Amount,
			Type:      TypeSpend,
			Status:    StatusReserved,
			Feature:   in.Feature,
			Provider:  in.Provider,
			Model:     in.Model,
			RequestID: in.RequestID,
			Metadata:  meta,
		}

		if s.adminBypass {
			unlimited, err := tx.AccountUnlimited(ctx, in.UserID)
			if err != nil {
				return err
			}
			if unlimited {
				meta["bypass"] = "admin"
				params.Delta = 0
			}
		}

		txn, err := tx.Append(ctx, params)
		if err != nil {
			if errors.Is(err, ErrNegativeBalance) {
				available, berr := tx.Balance(ctx, in.UserID)
				if berr != nil {
					return berr
				}
				return &InsufficientEnergyError{Required: in.Amount, Available: available}
			}
			return err
		}

		created = txn
		out = reservationFrom(txn, false)
		if params.Delta == 0 {
			out.ReservedCredits = in.Amount
		}
		return nil
	})
	if err != nil {
		// A concurrent retry with the same request id can slip past the
		// lookup and hit the unique constraint; surface the winner's row.
		if in.RequestID != "" && IsRequestIDConflict(err) {
			existing, lerr := s.store.GetByRequestID(ctx, in.RequestID)
			if lerr == nil && existing != nil {
				metrics.ReservationsTotal.WithLabelValues("reused").Inc()
				return reservationFrom(existing, true), nil
			}
		}
		var insufficient *InsufficientEnergyError
		if errors.As(err, &insufficient) {
			metrics.ReservationsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	if out.Reused {
		metrics.ReservationsTotal.WithLabelValues("reused").Inc()
		return out, nil
	}

	metrics.ReservationsTotal.WithLabelValues("created").Inc()
	if s.notify != nil && created != nil {
		s.notify.Reserved(ctx, created)
	}
	return out, nil
}

// Settle finalizes a reservation with the operation's actual cost and
// reconciles the difference against the held amount. Settling an already
// terminal reservation is a no-op returning the current balance.
//
// When finalCost exceeds the held amount, the extra charge is applied only
// as far as the balance allows; the remainder is absorbed by the platform
// and recorded as absorbed_overage in the adjustment metadata. The paid
// operation already happened, so settlement never fails on affordability.
func (s *Service) Settle(ctx context.Context, in SettleInput) (*Receipt, error) {
	if in.FinalCost != nil && *in.FinalCost < 0 {
		return nil, ErrInvalidAmount
	}

	var receipt Receipt
	var settled *Transaction
	var finalCost int64
	noop := false

	err := s.store.WithTx(ctx, func(tx Tx) error {
		res, err := tx.Get(ctx, in.ReservationID)
		if err != nil {
			return err
		}
		if res.Type != TypeSpend {
			return ErrReservationNotFound
		}
		if res.Status != StatusReserved {
			bal, err := tx.Balance(ctx, res.UserID)
			if err != nil {
				return err
			}
			receipt.Balance = bal
			noop = true
			return nil
		}

		reserved := res.ReservedCredits()
		finalCost = reserved
		if in.FinalCost != nil {
			finalCost = *in.FinalCost
		}

		meta := map[string]any{"final_credits": finalCost}
		var newBalance int64

		switch adjustment := reserved - finalCost; {
		case reserved == 0:
			// Admin-bypass hold: nothing was deducted, nothing to reconcile.
			bal, err := tx.Balance(ctx, res.UserID)
			if err != nil {
				return err
			}
			newBalance = bal

		case adjustment > 0:
			adj, err := tx.Append(ctx, AppendParams{
				UserID:               res.UserID,
				Delta:                adjustment,
				Type:                 TypeAdjustment,
				Status:               StatusSettled,
				Feature:              res.Feature,
				RelatedTransactionID: &res.ID,
				Metadata:             map[string]any{"reason": "reserve-adjustment"},
			})
			if err != nil {
				return err
			}
			newBalance = adj.BalanceAfter
			meta["refund_credits"] = adjustment

		case adjustment < 0:
			extra := -adjustment
			// The clamp must be computed under the account row lock: an
			// unlocked read can go stale against a concurrent reserve and
			// the following Append would then hit the negative guard.
			bal, err := tx.BalanceForUpdate(ctx, res.UserID)
			if err != nil {
				return err
			}
			charge := extra
			if charge > bal {
				charge = bal
			}
			newBalance = bal
			if charge > 0 {
				adj, err := tx.Append(ctx, AppendParams{
					UserID:               res.UserID,
					Delta:                -charge,
					Type:                 TypeAdjustment,
					Status:               StatusSettled,
					Feature:              res.Feature,
					RelatedTransactionID: &res.ID,
					Metadata:             map[string]any{"reason": "settlement-overrun"},
				})
				if err != nil {
					return err
				}
				newBalance = adj.BalanceAfter
				meta["extra_credits"] = charge
			}
			if absorbed := extra - charge; absorbed > 0 {
				meta["absorbed_overage"] = absorbed
			}

		default:
			bal, err := tx.Balance(ctx, res.UserID)
			if err != nil {
				return err
			}
			newBalance = bal
		}

		for k, v := range in.Metadata {
			meta[k] = v
		}

		now := time.Now().UTC()
		err = tx.Finalize(ctx, res.ID, FinalizeParams{
			Status:    StatusSettled,
			SettledAt: &now,
			Metadata:  mergeMetadata(res.Metadata, meta),
			Provider:  in.Provider,
			Model:     in.Model,
			Usage:     in.Usage,
		})
		if err != nil {
			return err
		}

		receipt.Balance = newBalance
		settled = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if noop {
		return &receipt, nil
	}

	metrics.SettlementsTotal.Inc()
	metrics.CreditsSpentTotal.Add(float64(finalCost))
	if s.notify != nil {
		s.notify.Settled(ctx, settled, finalCost)
	}
	return &receipt, nil
}

// Refund releases a reservation's full held amount back to the user.
// Refunding an already terminal reservation is a no-op returning the
// current balance, which makes retries and reaper sweeps safe.
func (s *Service) Refund(ctx context.Context, reservationID uuid.UUID, reason string) (*Receipt, error) {
	var receipt Receipt
	var refunded *Transaction
	var amount int64
	noop := false

	err := s.store.WithTx(ctx, func(tx Tx) error {
		res, err := tx.Get(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Type != TypeSpend {
			return ErrReservationNotFound
		}
		if res.Status.Terminal() {
			bal, err := tx.Balance(ctx, res.UserID)
			if err != nil {
				return err
			}
			receipt.Balance = bal
			noop = true
			return nil
		}

		amount = res.ReservedCredits()
		var newBalance int64
		if amount > 0 {
			adj, err := tx.Append(ctx, AppendParams{
				UserID:               res.UserID,
				Delta:                amount,
				Type:                 TypeAdjustment,
				Status:               StatusSettled,
				Feature:              res.Feature,
				RelatedTransactionID: &res.ID,
				Metadata:             map[string]any{"reason": reason},
			})
			if err != nil {
				return err
			}
			newBalance = adj.BalanceAfter
		} else {
			bal, err := tx.Balance(ctx, res.UserID)
			if err != nil {
				return err
			}
			newBalance = bal
		}

		err = tx.Finalize(ctx, res.ID, FinalizeParams{
			Status:   StatusRefunded,
			Metadata: mergeMetadata(res.Metadata, map[string]any{"refund_reason": reason}),
		})
		if err != nil {
			return err
		}

		receipt.Balance = newBalance
		refunded = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if noop {
		return &receipt, nil
	}

	metrics.RefundsTotal.Inc()
	metrics.CreditsRefundedTotal.Add(float64(amount))
	if s.notify != nil {
		s.notify.Refunded(ctx, refunded, reason)
	}
	return &receipt, nil
}

// Grant adds immediately settled credit to the user's account, creating it
// if needed.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*Receipt, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var receipt Receipt
	var granted *Transaction

	err := s.store.WithTx(ctx, func(tx Tx) error {
		txn, err := tx.Append(ctx, AppendParams{
			UserID:   userID,
			Delta:    amount,
			Type:     TypeGrant,
			Status:   StatusSettled,
			Feature:  "grant",
			Metadata: map[string]any{"reason": reason},
		})
		if err != nil {
			return err
		}
		receipt.Balance = txn.BalanceAfter
		granted = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.GrantsTotal.Inc()
	metrics.CreditsGrantedTotal.Add(float64(amount))
	if s.notify != nil {
		s.notify.Granted(ctx, granted, reason)
	}
	slog.Info("energy granted", "user_id", userID, "amount", amount, "reason", reason)
	return &receipt, nil
}

// Balance returns the user's current credit balance; unknown users have 0.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.Balance(ctx, userID)
}

// History returns the user's transaction log, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, params ListParams) ([]Transaction, int64, error) {
	offset := (params.Page - 1) * params.PageSize
	return s.store.ListByUser(ctx, userID, params.PageSize, offset)
}

func reservationFrom(txn *Transaction, reused bool) *Reservation {
	return &Reservation{
		ReservationID:   txn.ID,
		ReservedCredits: txn.ReservedCredits(),
		BalanceAfter:    txn.BalanceAfter,
		Status:          txn.Status,
		Reused:          reused,
	}
}
