package rules

import (
	"fmt"
	"time"
)

// QuietHours is a daily local-time window. Start == End means the window is
// empty; Start > End wraps past midnight.
type QuietHours struct {
	Enabled  bool           `json:"enabled"`
	Start    string         `json:"start,omitempty"`
	End      string         `json:"end,omitempty"`
	Timezone string         `json:"timezone,omitempty"`
	startMin int
	endMin   int
	loc      *time.Location
}

// ParseQuietHours builds a window from "HH:MM" bounds. Unparseable bounds
// disable the window.
func ParseQuietHours(enabled bool, start, end, tz string) QuietHours {
	q := QuietHours{Start: start, End: end, Timezone: tz, loc: time.UTC}
	if !enabled {
		return q
	}
	s, err1 := parseClock(start)
	e, err2 := parseClock(end)
	if err1 != nil || err2 != nil {
		return q
	}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			q.loc = loc
		}
	}
	q.Enabled = true
	q.startMin, q.endMin = s, e
	return q
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.startMin == q.endMin {
		return false
	}
	local := t.In(q.loc)
	m := local.Hour()*60 + local.Minute()
	if q.startMin < q.endMin {
		return m >= q.startMin && m < q.endMin
	}
	return m >= q.startMin || m < q.endMin
}

// NextEnd returns the first instant at or after t when the window closes.
// It returns t when t is outside the window.
func (q QuietHours) NextEnd(t time.Time) time.Time {
	if !q.Contains(t) {
		return t
	}
	local := t.In(q.loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), q.endMin/60, q.endMin%60, 0, 0, q.loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
