package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakeandscale/energy/internal/metrics"
)

// Guard enforces at-most-once processing of externally delivered events.
// The processed marker is inserted before the handler runs; the unique
// constraint on event_id makes concurrent deliveries of the same event
// race for a single insert, and only the winner's handler executes.
type Guard struct {
	pool *pgxpool.Pool
}

// NewGuard creates a new idempotency Guard.
func NewGuard(pool *pgxpool.Pool) *Guard {
	return &Guard{pool: pool}
}

// ProcessOnce runs fn for the event unless an event with the same id was
// already processed. Returns true when fn ran. If fn fails the marker is
// removed so the sender's retry can be processed.
func (g *Guard) ProcessOnce(ctx context.Context, eventID, eventType string, fn func(ctx context.Context) error) (bool, error) {
	tag, err := g.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type)
		 VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("inserting webhook event marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		slog.Info("webhook event already processed", "event_id", eventID, "type", eventType)
		return false, nil
	}

	if err := fn(ctx); err != nil {
		// Release the marker so the sender's retry gets a clean attempt.
		if _, derr := g.pool.Exec(ctx,
			`DELETE FROM webhook_events WHERE event_id = $1`, eventID); derr != nil {
			slog.Error("failed to release webhook event marker",
				"event_id", eventID, "error", derr)
		}
		metrics.WebhookEventsTotal.WithLabelValues("failed").Inc()
		return false, err
	}

	metrics.WebhookEventsTotal.WithLabelValues("processed").Inc()
	return true, nil
}
