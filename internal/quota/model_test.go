package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowStart_Hour(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 42, 7, 123, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC), WindowHour.Start(ts))
}

func TestWindowStart_Day(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 42, 7, 123, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), WindowDay.Start(ts))
}

func TestWindowStart_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2026, 3, 14, 1, 15, 0, 0, loc) // 2026-03-13 23:15 UTC

	assert.Equal(t, time.Date(2026, 3, 13, 23, 0, 0, 0, time.UTC), WindowHour.Start(ts))
	assert.Equal(t, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), WindowDay.Start(ts))
}

func TestWindowStart_MidnightBucketsDiffer(t *testing.T) {
	// At midnight the hour and day buckets share a start time; the window
	// column keeps their counter rows distinct.
	ts := time.Date(2026, 3, 14, 0, 0, 1, 0, time.UTC)
	assert.Equal(t, WindowHour.Start(ts), WindowDay.Start(ts))
	assert.NotEqual(t, WindowHour, WindowDay)
}

func TestWindowDuration(t *testing.T) {
	assert.Equal(t, time.Hour, WindowHour.Duration())
	assert.Equal(t, 24*time.Hour, WindowDay.Duration())
}

func TestWindowValid(t *testing.T) {
	assert.True(t, WindowHour.Valid())
	assert.True(t, WindowDay.Valid())
	assert.False(t, Window("minute").Valid())
	assert.False(t, Window("").Valid())
}
