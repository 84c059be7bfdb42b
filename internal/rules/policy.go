package rules

import (
	"sort"
	"time"

	"github.com/coldeye/internal/models"
)

// EffectivePolicy is the resolved notification policy for one
// (unit, alert type) pair.
type EffectivePolicy struct {
	// Key identifies the most specific policy record that contributed, or
	// the default policy. Channel disablements are recorded against it.
	Key       string           `json:"key"`
	AlertType models.AlertType `json:"alert_type"`

	InitialChannels  []models.Channel        `json:"initial_channels"`
	RequiresAck      bool                    `json:"requires_ack"`
	AckDeadline      time.Duration           `json:"ack_deadline"`
	Steps            []models.EscalationStep `json:"escalation_steps"`
	ReminderInterval time.Duration           `json:"reminder_interval"`
	QuietHours       QuietHours              `json:"quiet_hours"`

	SeverityThreshold models.Severity `json:"severity_threshold"`
	SendResolved      bool            `json:"send_resolved_notifications"`

	NotifyRoles         []string `json:"notify_roles"`
	NotifySiteManagers  bool     `json:"notify_site_managers"`
	NotifyAssignedUsers bool     `json:"notify_assigned_users"`

	DisabledChannels []models.Channel        `json:"disabled_channels,omitempty"`
	Sources          map[string]models.Scope `json:"sources"`
}

// policyChain lists candidate policy records from most to least specific; at
// each scope an exact alert-type match beats the wildcard.
func (s *Snapshot) policyChain(unit *models.Unit, t models.AlertType) []*models.NotificationPolicy {
	var out []*models.NotificationPolicy
	for _, k := range chain(unit) {
		if p, ok := s.policies[policyKey{k.scope, k.id, t}]; ok {
			out = append(out, p)
		}
		if p, ok := s.policies[policyKey{k.scope, k.id, models.AlertTypeAny}]; ok {
			out = append(out, p)
		}
	}
	return out
}

func firstSet[T any](layers []*models.NotificationPolicy, get func(*models.NotificationPolicy) *T, def T) (T, models.Scope) {
	for _, l := range layers {
		if v := get(l); v != nil {
			return *v, l.Scope
		}
	}
	return def, models.ScopeDefault
}

func firstSlice[T any](layers []*models.NotificationPolicy, get func(*models.NotificationPolicy) []T, def []T) ([]T, models.Scope) {
	for _, l := range layers {
		if v := get(l); v != nil {
			return append([]T(nil), v...), l.Scope
		}
	}
	return def, models.ScopeDefault
}

// ResolvePolicy merges policy overrides for unit and alert type field by
// field over the compiled-in default policy.
func (s *Snapshot) ResolvePolicy(unit *models.Unit, t models.AlertType) EffectivePolicy {
	layers := s.policyChain(unit, t)
	eff := EffectivePolicy{
		AlertType: t,
		Key:       PolicyKeyFor(models.ScopeDefault, 0, t),
		Sources:   make(map[string]models.Scope),
	}
	if len(layers) > 0 {
		eff.Key = PolicyKeyFor(layers[0].Scope, layers[0].ScopeID, layers[0].AlertType)
	}

	var src models.Scope
	eff.InitialChannels, src = firstSlice(layers, func(p *models.NotificationPolicy) []models.Channel { return p.InitialChannels }, defaultInitialChannels())
	eff.Sources["initial_channels"] = src

	eff.RequiresAck, src = firstSet(layers, func(p *models.NotificationPolicy) *bool { return p.RequiresAck }, DefaultRequiresAck)
	eff.Sources["requires_ack"] = src

	var ackMin int
	ackMin, src = firstSet(layers, func(p *models.NotificationPolicy) *int { return p.AckDeadlineMinutes }, DefaultAckDeadlineMinutes)
	eff.AckDeadline = minutes(ackMin)
	eff.Sources["ack_deadline_minutes"] = src

	eff.Steps, src = firstSlice(layers, func(p *models.NotificationPolicy) []models.EscalationStep { return p.EscalationSteps }, defaultEscalationSteps())
	sort.SliceStable(eff.Steps, func(i, j int) bool { return eff.Steps[i].DelayMinutes < eff.Steps[j].DelayMinutes })
	eff.Sources["escalation_steps"] = src

	var remind int
	remind, src = firstSet(layers, func(p *models.NotificationPolicy) *int { return p.ReminderIntervalMinutes }, DefaultReminderIntervalMinutes)
	if remind <= 0 {
		remind, src = DefaultReminderIntervalMinutes, models.ScopeDefault
	}
	eff.ReminderInterval = minutes(remind)
	eff.Sources["reminder_interval_minutes"] = src

	var qhEnabled bool
	var qhStart, qhEnd, qhTZ string
	qhEnabled, src = firstSet(layers, func(p *models.NotificationPolicy) *bool { return p.QuietHoursEnabled }, false)
	eff.Sources["quiet_hours_enabled"] = src
	qhStart, _ = firstSet(layers, func(p *models.NotificationPolicy) *string { return p.QuietHoursStart }, "")
	qhEnd, _ = firstSet(layers, func(p *models.NotificationPolicy) *string { return p.QuietHoursEnd }, "")
	qhTZ, _ = firstSet(layers, func(p *models.NotificationPolicy) *string { return p.QuietHoursTimezone }, unit.Timezone)
	eff.QuietHours = ParseQuietHours(qhEnabled, qhStart, qhEnd, qhTZ)

	eff.SeverityThreshold, src = firstSet(layers, func(p *models.NotificationPolicy) *models.Severity { return p.SeverityThreshold }, DefaultSeverityThreshold)
	eff.Sources["severity_threshold"] = src

	eff.SendResolved, src = firstSet(layers, func(p *models.NotificationPolicy) *bool { return p.SendResolvedNotifications }, DefaultSendResolvedNotifications)
	eff.Sources["send_resolved_notifications"] = src

	eff.NotifyRoles, src = firstSlice(layers, func(p *models.NotificationPolicy) []string { return p.NotifyRoles }, nil)
	eff.Sources["notify_roles"] = src
	eff.NotifySiteManagers, src = firstSet(layers, func(p *models.NotificationPolicy) *bool { return p.NotifySiteManagers }, DefaultNotifySiteManagers)
	eff.Sources["notify_site_managers"] = src
	eff.NotifyAssignedUsers, src = firstSet(layers, func(p *models.NotificationPolicy) *bool { return p.NotifyAssignedUsers }, DefaultNotifyAssignedUsers)
	eff.Sources["notify_assigned_users"] = src

	if off := s.disabled[eff.Key]; len(off) > 0 {
		for ch := range off {
			eff.DisabledChannels = append(eff.DisabledChannels, ch)
		}
		sort.Slice(eff.DisabledChannels, func(i, j int) bool { return eff.DisabledChannels[i] < eff.DisabledChannels[j] })
		eff.InitialChannels = withoutChannels(eff.InitialChannels, off)
		for i := range eff.Steps {
			eff.Steps[i].Channels = withoutChannels(eff.Steps[i].Channels, off)
		}
	}
	return eff
}

func withoutChannels(in []models.Channel, off map[models.Channel]bool) []models.Channel {
	out := make([]models.Channel, 0, len(in))
	for _, ch := range in {
		if !off[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// Recipients selects the contacts targeted by a policy for unit, ordered by
// priority then name.
func (s *Snapshot) Recipients(unit *models.Unit, p EffectivePolicy) []models.Contact {
	roles := make(map[string]bool, len(p.NotifyRoles))
	for _, r := range p.NotifyRoles {
		roles[r] = true
	}

	var out []models.Contact
	for _, c := range s.contacts {
		if c.OrganizationID != unit.OrganizationID {
			continue
		}
		match := roles[c.Role]
		if !match && p.NotifySiteManagers && c.SiteManager && c.SiteID == unit.SiteID {
			match = true
		}
		if !match && p.NotifyAssignedUsers {
			for _, id := range c.UnitIDs {
				if id == unit.ID {
					match = true
					break
				}
			}
		}
		if match {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}
