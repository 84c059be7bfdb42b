package monitor

import (
	"time"

	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/rules"
)

// ManualStatus reports whether a unit needs hand-logged temperatures.
// Overdue is positive once DueAt has passed.
type ManualStatus struct {
	Required    bool
	NeverLogged bool
	DueAt       time.Time
	Overdue     time.Duration
	Severity    models.Severity
}

// ManualCompliance derives the manual logging requirement for a unit that has
// missed the given number of check-ins.
func ManualCompliance(unit *models.Unit, missed int, r rules.EffectiveRules, now time.Time) ManualStatus {
	var st ManualStatus
	if !unit.ManualMonitoringEnabled || unit.SensorUnreliable {
		return st
	}
	if missed < r.ManualLogMissedCheckinsThreshold {
		return st
	}
	st.Required = true
	st.Severity = models.SeverityWarning

	if unit.LastManualLogAt == nil {
		st.NeverLogged = true
		return st
	}
	st.DueAt = unit.LastManualLogAt.Add(r.ManualInterval() + r.ManualGrace())
	if now.After(st.DueAt) {
		st.Overdue = now.Sub(st.DueAt)
	}
	if r.ManualIntervalMinutes > 0 && st.Overdue >= r.ManualInterval() {
		st.Severity = models.SeverityCritical
	}
	return st
}
