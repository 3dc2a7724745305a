package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stakeandscale/energy/internal/ledger"
	"github.com/stakeandscale/energy/internal/metrics"
)

// RefundReason marks adjustments produced by the stale-reservation sweep.
const RefundReason = "stale-reservation-cleanup"

const sweepBatchSize = 100

// StaleLister finds reservations that were never settled or refunded.
type StaleLister interface {
	ListStaleReserved(ctx context.Context, before time.Time, limit int) ([]ledger.Transaction, error)
}

// Refunder releases a reservation's hold back to the user.
type Refunder interface {
	Refund(ctx context.Context, reservationID uuid.UUID, reason string) (*ledger.Receipt, error)
}

// QuotaCleaner removes quota counter rows whose window has elapsed.
type QuotaCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Result summarizes one sweep.
type Result struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"-"`
}

// Reaper refunds reservations whose caller crashed before settling. Each
// refund is committed independently so one bad row never blocks the rest
// of the sweep.
type Reaper struct {
	lister     StaleLister
	refunder   Refunder
	quota      QuotaCleaner
	staleAfter time.Duration
}

// New creates a Reaper. quota may be nil to skip counter cleanup.
func New(lister StaleLister, refunder Refunder, quota QuotaCleaner, staleAfter time.Duration) *Reaper {
	return &Reaper{
		lister:     lister,
		refunder:   refunder,
		quota:      quota,
		staleAfter: staleAfter,
	}
}

// Sweep refunds every reservation older than the stale cutoff and then
// prunes expired quota counters. Per-row failures are counted and logged
// but do not stop the sweep.
func (r *Reaper) Sweep(ctx context.Context) (*Result, error) {
	start := time.Now()
	cutoff := start.Add(-r.staleAfter)

	result := &Result{}
	for {
		stale, err := r.lister.ListStaleReserved(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return nil, err
		}
		if len(stale) == 0 {
			break
		}

		batchSucceeded := 0
		for _, txn := range stale {
			result.Processed++
			if _, err := r.refunder.Refund(ctx, txn.ID, RefundReason); err != nil {
				result.Failed++
				metrics.ReaperRefundsTotal.WithLabelValues("failed").Inc()
				slog.Error("stale reservation refund failed",
					"reservation_id", txn.ID, "user_id", txn.UserID, "error", err)
				continue
			}
			result.Succeeded++
			batchSucceeded++
			metrics.ReaperRefundsTotal.WithLabelValues("refunded").Inc()
			slog.Info("stale reservation refunded",
				"reservation_id", txn.ID, "user_id", txn.UserID,
				"held", txn.ReservedCredits(), "age", start.Sub(txn.CreatedAt).Round(time.Second))
		}

		if len(stale) < sweepBatchSize {
			break
		}
		// Failed rows stay RESERVED and come back on the next listing. A
		// batch that made no progress would re-fetch the same rows forever.
		if batchSucceeded == 0 {
			break
		}
	}

	if r.quota != nil {
		if removed, err := r.quota.CleanupExpired(ctx); err != nil {
			slog.Warn("quota counter cleanup failed", "error", err)
		} else if removed > 0 {
			slog.Debug("expired quota counters removed", "count", removed)
		}
	}

	result.Duration = time.Since(start)
	metrics.ReaperSweepsTotal.Inc()
	slog.Info("reaper sweep finished",
		"processed", result.Processed, "succeeded", result.Succeeded,
		"failed", result.Failed, "duration", result.Duration.Round(time.Millisecond))
	return result, nil
}
