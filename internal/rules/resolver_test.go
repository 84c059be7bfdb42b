package rules

import (
	"testing"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/stretchr/testify/assert"
)

func intp(v int) *int { return &v }

func testUnit() *models.Unit {
	u := &models.Unit{Name: "Freezer A", OrganizationID: 1, SiteID: 10, TempMin: -10, TempMax: 0}
	u.ID = 100
	return u
}

func TestResolveRulesDefaults(t *testing.T) {
	s := NewSnapshot(time.Now(), nil, nil, nil, nil)
	eff := s.ResolveRules(testUnit())

	assert.Equal(t, DefaultExpectedReadingIntervalSeconds, eff.ExpectedReadingIntervalSeconds)
	assert.Equal(t, DefaultOfflineCriticalMissedCheckins, eff.OfflineCriticalMissedCheckins)
	assert.Equal(t, DefaultDoorOpenMaxMaskMinutesPerDay, eff.DoorOpenMaxMaskMinutesPerDay)
	for name, src := range eff.Sources {
		assert.Equal(t, models.ScopeDefault, src, name)
	}
	assert.Len(t, eff.Sources, len(ruleFields))
	assert.Equal(t, models.ScopeDefault, eff.GroupSources["checkin"])
}

func TestResolveRulesPerFieldInheritance(t *testing.T) {
	u := testUnit()
	s := NewSnapshot(time.Now(), []models.AlertRules{
		{Scope: models.ScopeOrganization, ScopeID: 1, OfflineWarningMissedCheckins: intp(2), OfflineCriticalMissedCheckins: intp(8), ManualGraceMinutes: intp(15)},
		{Scope: models.ScopeSite, ScopeID: 10, OfflineCriticalMissedCheckins: intp(6)},
		{Scope: models.ScopeUnit, ScopeID: 100, ExcursionConfirmMinutesDoorClosed: intp(3)},
		// other site, must be ignored
		{Scope: models.ScopeSite, ScopeID: 11, OfflineWarningMissedCheckins: intp(9)},
	}, nil, nil, nil)

	eff := s.ResolveRules(u)
	assert.Equal(t, 2, eff.OfflineWarningMissedCheckins)
	assert.Equal(t, 6, eff.OfflineCriticalMissedCheckins)
	assert.Equal(t, 3, eff.ExcursionConfirmMinutesDoorClosed)
	assert.Equal(t, DefaultExcursionConfirmMinutesDoorOpen, eff.ExcursionConfirmMinutesDoorOpen)
	assert.Equal(t, 15, eff.ManualGraceMinutes)

	assert.Equal(t, models.ScopeOrganization, eff.Sources["offline_warning_missed_checkins"])
	assert.Equal(t, models.ScopeSite, eff.Sources["offline_critical_missed_checkins"])
	assert.Equal(t, models.ScopeUnit, eff.Sources["excursion_confirm_minutes_door_closed"])
	assert.Equal(t, models.ScopeSite, eff.GroupSources["checkin"])
	assert.Equal(t, models.ScopeUnit, eff.GroupSources["excursion"])
	assert.Equal(t, models.ScopeOrganization, eff.GroupSources["manual"])
	assert.Equal(t, models.ScopeDefault, eff.GroupSources["door"])
}

func TestResolveRulesRejectsNonPositiveInterval(t *testing.T) {
	s := NewSnapshot(time.Now(), []models.AlertRules{
		{Scope: models.ScopeUnit, ScopeID: 100, ExpectedReadingIntervalSeconds: intp(0)},
	}, nil, nil, nil)
	eff := s.ResolveRules(testUnit())
	assert.Equal(t, DefaultExpectedReadingIntervalSeconds, eff.ExpectedReadingIntervalSeconds)
	assert.Equal(t, 5*time.Minute, eff.CheckinInterval())
}

func TestResolveRulesIsPure(t *testing.T) {
	s := NewSnapshot(time.Now(), []models.AlertRules{
		{Scope: models.ScopeSite, ScopeID: 10, MaxExcursionMinutes: intp(45)},
	}, nil, nil, nil)
	a := s.ResolveRules(testUnit())
	b := s.ResolveRules(testUnit())
	assert.Equal(t, a, b)
}
