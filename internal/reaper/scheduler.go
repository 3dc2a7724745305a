package reaper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs sweeps on an in-process cron schedule, for deployments
// without an external cron caller.
type Scheduler struct {
	cron   *cron.Cron
	reaper *Reaper
}

// NewScheduler creates a Scheduler on the given cron spec, e.g. "@every 5m"
// or "*/10 * * * *".
func NewScheduler(reaper *Reaper, spec string) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c, reaper: reaper}

	_, err := c.AddFunc(spec, func() {
		if _, err := reaper.Sweep(context.Background()); err != nil {
			slog.Error("scheduled reaper sweep failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("registering reaper schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("reaper scheduler started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("reaper scheduler stopped")
}
