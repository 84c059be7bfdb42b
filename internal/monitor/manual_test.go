package monitor

import (
	"testing"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/rules"
	"github.com/stretchr/testify/assert"
)

func manualUnit(lastLog *time.Time) *models.Unit {
	u := fridge(3)
	u.ManualMonitoringEnabled = true
	u.LastManualLogAt = lastLog
	return u
}

func TestManualOverdueExample(t *testing.T) {
	last := t0.Add(-245 * time.Minute)
	r := effRules(func(r *rules.EffectiveRules) {
		r.ManualIntervalMinutes = 240
		r.ManualGraceMinutes = 0
		r.ManualLogMissedCheckinsThreshold = 5
	})

	st := ManualCompliance(manualUnit(&last), 6, r, t0)
	assert.True(t, st.Required)
	assert.False(t, st.NeverLogged)
	assert.Equal(t, 5*time.Minute, st.Overdue)
	assert.Equal(t, models.SeverityWarning, st.Severity)
}

func TestManualGraceDelaysOverdue(t *testing.T) {
	last := t0.Add(-245 * time.Minute)
	r := effRules(func(r *rules.EffectiveRules) { r.ManualGraceMinutes = 10 })

	st := ManualCompliance(manualUnit(&last), MaxMissedCheckins, r, t0)
	assert.True(t, st.Required)
	assert.Zero(t, st.Overdue)
	assert.Equal(t, t0.Add(5*time.Minute), st.DueAt)
}

func TestManualNeverLogged(t *testing.T) {
	st := ManualCompliance(manualUnit(nil), MaxMissedCheckins, effRules(nil), t0)
	assert.True(t, st.Required)
	assert.True(t, st.NeverLogged)
	assert.Zero(t, st.Overdue)
}

func TestManualCriticalAfterFullInterval(t *testing.T) {
	last := t0.Add(-9 * time.Hour)
	st := ManualCompliance(manualUnit(&last), 10, effRules(nil), t0)
	assert.Equal(t, 5*time.Hour, st.Overdue)
	assert.Equal(t, models.SeverityCritical, st.Severity)
}

func TestManualGating(t *testing.T) {
	last := t0.Add(-10 * time.Hour)
	r := effRules(nil)

	below := ManualCompliance(manualUnit(&last), r.ManualLogMissedCheckinsThreshold-1, r, t0)
	assert.False(t, below.Required)

	disabled := manualUnit(&last)
	disabled.ManualMonitoringEnabled = false
	assert.False(t, ManualCompliance(disabled, 99, r, t0).Required)

	unreliable := manualUnit(&last)
	unreliable.SensorUnreliable = true
	assert.False(t, ManualCompliance(unreliable, 99, r, t0).Required)

	assert.True(t, ManualCompliance(manualUnit(&last), r.ManualLogMissedCheckinsThreshold, r, t0).Required)
}
