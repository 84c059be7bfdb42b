package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuietHoursWrapsMidnight(t *testing.T) {
	q := ParseQuietHours(true, "22:00", "06:00", "America/New_York")
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	assert.True(t, q.Contains(time.Date(2026, 7, 1, 23, 30, 0, 0, ny)))
	assert.True(t, q.Contains(time.Date(2026, 7, 2, 5, 59, 0, 0, ny)))
	assert.False(t, q.Contains(time.Date(2026, 7, 2, 6, 0, 0, 0, ny)))
	assert.False(t, q.Contains(time.Date(2026, 7, 2, 12, 0, 0, 0, ny)))

	end := q.NextEnd(time.Date(2026, 7, 1, 23, 30, 0, 0, ny))
	assert.True(t, end.Equal(time.Date(2026, 7, 2, 6, 0, 0, 0, ny)))
}

func TestQuietHoursSameDayWindow(t *testing.T) {
	q := ParseQuietHours(true, "12:00", "13:00", "")
	assert.True(t, q.Contains(time.Date(2026, 7, 1, 12, 15, 0, 0, time.UTC)))
	assert.False(t, q.Contains(time.Date(2026, 7, 1, 13, 0, 0, 0, time.UTC)))

	outside := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, outside, q.NextEnd(outside))
}

func TestQuietHoursInvalidDisables(t *testing.T) {
	q := ParseQuietHours(true, "25:00", "06:00", "")
	assert.False(t, q.Enabled)
	assert.False(t, q.Contains(time.Date(2026, 7, 1, 23, 0, 0, 0, time.UTC)))
}
