package rules

import (
	"testing"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolp(v bool) *bool    { return &v }
func strp(v string) *string { return &v }

func TestResolvePolicyDefaults(t *testing.T) {
	s := NewSnapshot(time.Now(), nil, nil, nil, nil)
	p := s.ResolvePolicy(testUnit(), models.AlertTypeAlarmActive)

	assert.Equal(t, "default:alarm_active", p.Key)
	assert.Equal(t, []models.Channel{models.ChannelInApp, models.ChannelEmail}, p.InitialChannels)
	assert.True(t, p.RequiresAck)
	assert.Equal(t, 15*time.Minute, p.AckDeadline)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, models.SeverityWarning, p.SeverityThreshold)
	assert.False(t, p.QuietHours.Enabled)
}

func TestResolvePolicyExactBeatsWildcardAtSameScope(t *testing.T) {
	s := NewSnapshot(time.Now(), nil, []models.NotificationPolicy{
		{Scope: models.ScopeOrganization, ScopeID: 1, AlertType: models.AlertTypeAny, InitialChannels: []models.Channel{models.ChannelEmail}, AckDeadlineMinutes: intp(30)},
		{Scope: models.ScopeOrganization, ScopeID: 1, AlertType: models.AlertTypeOffline, InitialChannels: []models.Channel{models.ChannelSMS}},
		{Scope: models.ScopeUnit, ScopeID: 100, AlertType: models.AlertTypeOffline, RequiresAck: boolp(false)},
	}, nil, nil)

	p := s.ResolvePolicy(testUnit(), models.AlertTypeOffline)
	assert.Equal(t, "unit:100:offline", p.Key)
	assert.Equal(t, []models.Channel{models.ChannelSMS}, p.InitialChannels)
	assert.Equal(t, models.ScopeOrganization, p.Sources["initial_channels"])
	assert.False(t, p.RequiresAck)
	assert.Equal(t, 30*time.Minute, p.AckDeadline)

	other := s.ResolvePolicy(testUnit(), models.AlertTypeBatteryLow)
	assert.Equal(t, []models.Channel{models.ChannelEmail}, other.InitialChannels)
	assert.Equal(t, "organization:1:*", other.Key)
}

func TestResolvePolicySortsStepsAndDropsDisabledChannels(t *testing.T) {
	s := NewSnapshot(time.Now(), nil, []models.NotificationPolicy{
		{Scope: models.ScopeSite, ScopeID: 10, AlertType: models.AlertTypeAlarmActive,
			InitialChannels: []models.Channel{models.ChannelSMS, models.ChannelEmail},
			EscalationSteps: []models.EscalationStep{
				{DelayMinutes: 30, Channels: []models.Channel{models.ChannelWebhook, models.ChannelSMS}},
				{DelayMinutes: 5, Channels: []models.Channel{models.ChannelPush}},
			}},
	}, nil, []models.ChannelDisablement{{PolicyKey: "site:10:alarm_active", Channel: models.ChannelSMS}})

	p := s.ResolvePolicy(testUnit(), models.AlertTypeAlarmActive)
	assert.Equal(t, []models.Channel{models.ChannelEmail}, p.InitialChannels)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, 5, p.Steps[0].DelayMinutes)
	assert.Equal(t, []models.Channel{models.ChannelWebhook}, p.Steps[1].Channels)
	assert.Equal(t, []models.Channel{models.ChannelSMS}, p.DisabledChannels)
}

func TestResolvePolicyQuietHours(t *testing.T) {
	s := NewSnapshot(time.Now(), nil, []models.NotificationPolicy{
		{Scope: models.ScopeOrganization, ScopeID: 1, AlertType: models.AlertTypeAny,
			QuietHoursEnabled: boolp(true), QuietHoursStart: strp("22:00"), QuietHoursEnd: strp("06:00"), QuietHoursTimezone: strp("UTC")},
	}, nil, nil)
	p := s.ResolvePolicy(testUnit(), models.AlertTypeDoorOpen)
	require.True(t, p.QuietHours.Enabled)
	assert.True(t, p.QuietHours.Contains(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))
}

func TestRecipients(t *testing.T) {
	u := testUnit()
	contacts := []models.Contact{
		{Name: "zoe", OrganizationID: 1, Role: "qa", Priority: 2},
		{Name: "amy", OrganizationID: 1, SiteID: 10, SiteManager: true, Priority: 1},
		{Name: "bob", OrganizationID: 1, UnitIDs: []uint{100}, Priority: 3},
		{Name: "cat", OrganizationID: 1, SiteID: 11, SiteManager: true, Priority: 1},
		{Name: "dan", OrganizationID: 2, Role: "qa", Priority: 1},
	}
	s := NewSnapshot(time.Now(), nil, []models.NotificationPolicy{
		{Scope: models.ScopeOrganization, ScopeID: 1, AlertType: models.AlertTypeAny, NotifyRoles: []string{"qa"}},
	}, contacts, nil)

	p := s.ResolvePolicy(u, models.AlertTypeOffline)
	got := s.Recipients(u, p)
	var names []string
	for _, c := range got {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"amy", "zoe", "bob"}, names)
}
