package quota

import (
	"time"
)

// Window identifies a counting period.
type Window string

const (
	WindowHour Window = "hour"
	WindowDay  Window = "day"
)

// Valid reports whether w is a known window kind.
func (w Window) Valid() bool {
	return w == WindowHour || w == WindowDay
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	if w == WindowDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// Start truncates t to the beginning of the window containing it, in UTC.
func (w Window) Start(t time.Time) time.Time {
	t = t.UTC()
	if w == WindowDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// Result is the outcome of a quota consumption attempt.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}
