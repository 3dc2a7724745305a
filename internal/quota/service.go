package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stakeandscale/energy/internal/metrics"
)

// Service enforces per-(user, feature, window) usage limits on durable
// counters. Consumption happens before any credit hold so a denied
// attempt leaves the ledger untouched.
type Service struct {
	repo *Repository
	now  func() time.Time
}

// NewService creates a new quota Service.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Consume attempts to take one unit of quota from the window bucket
// containing the current time. Limits of zero or less deny immediately.
func (s *Service) Consume(ctx context.Context, userID uuid.UUID, feature string, window Window, limit int64) (*Result, error) {
	if !window.Valid() {
		return nil, fmt.Errorf("unknown quota window %q", window)
	}

	windowStart := window.Start(s.now())
	resetAt := windowStart.Add(window.Duration())

	if limit <= 0 {
		metrics.QuotaDecisionsTotal.WithLabelValues(string(window), "denied").Inc()
		return &Result{Allowed: false, Remaining: 0, Limit: limit, ResetAt: resetAt}, nil
	}

	count, allowed, err := s.repo.Increment(ctx, userID, feature, window, windowStart, limit)
	if err != nil {
		return nil, err
	}

	if !allowed {
		metrics.QuotaDecisionsTotal.WithLabelValues(string(window), "denied").Inc()
		slog.Info("quota exceeded",
			"user_id", userID, "feature", feature, "window", window, "limit", limit)
		return &Result{Allowed: false, Remaining: 0, Limit: limit, ResetAt: resetAt}, nil
	}

	metrics.QuotaDecisionsTotal.WithLabelValues(string(window), "allowed").Inc()
	return &Result{Allowed: true, Remaining: limit - count, Limit: limit, ResetAt: resetAt}, nil
}

// ConsumeHourly takes one unit from the current hourly bucket.
func (s *Service) ConsumeHourly(ctx context.Context, userID uuid.UUID, feature string, limit int64) (*Result, error) {
	return s.Consume(ctx, userID, feature, WindowHour, limit)
}

// ConsumeDaily takes one unit from the current daily bucket.
func (s *Service) ConsumeDaily(ctx context.Context, userID uuid.UUID, feature string, limit int64) (*Result, error) {
	return s.Consume(ctx, userID, feature, WindowDay, limit)
}

// Usage reports current consumption in the active window without taking any.
func (s *Service) Usage(ctx context.Context, userID uuid.UUID, feature string, window Window) (int64, error) {
	if !window.Valid() {
		return 0, fmt.Errorf("unknown quota window %q", window)
	}
	return s.repo.Usage(ctx, userID, feature, window, window.Start(s.now()))
}

// CleanupExpired deletes counter rows whose window has fully elapsed.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now().UTC())
}
