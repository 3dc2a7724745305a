package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles quota_counters PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new quota Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Increment bumps the counter for the given window bucket, but only while it
// is below limit. The upsert's WHERE clause makes check-and-increment a
// single atomic statement; when the counter is already at the limit no row
// comes back and the attempt is denied.
func (r *Repository) Increment(ctx context.Context, userID uuid.UUID, feature string, window Window, windowStart time.Time, limit int64) (int64, bool, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO quota_counters (user_id, feature, window_kind, window_start, count)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (user_id, feature, window_kind, window_start)
		 DO UPDATE SET count = quota_counters.count + 1, updated_at = NOW()
		 WHERE quota_counters.count < $5
		 RETURNING count`,
		userID, feature, string(window), windowStart, limit,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("incrementing quota counter: %w", err)
	}
	return count, true, nil
}

// Usage returns the current count for a window bucket, 0 if no row exists.
func (r *Repository) Usage(ctx context.Context, userID uuid.UUID, feature string, window Window, windowStart time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT count FROM quota_counters
		 WHERE user_id = $1 AND feature = $2 AND window_kind = $3 AND window_start = $4`,
		userID, feature, string(window), windowStart,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fetching quota counter: %w", err)
	}
	return count, nil
}

// DeleteExpired removes counter rows whose window ended before cutoff.
// Returns the number of rows removed.
func (r *Repository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM quota_counters
		 WHERE (window_kind = 'hour' AND window_start < $1 - INTERVAL '1 hour')
		    OR (window_kind = 'day'  AND window_start < $1 - INTERVAL '24 hours')`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired quota counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
