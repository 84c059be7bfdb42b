package models

import (
	"gorm.io/gorm"
)

type Channel string

const (
	ChannelSMS     Channel = "sms"
	ChannelEmail   Channel = "email"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
	ChannelInApp   Channel = "in_app"
	ChannelSlack   Channel = "slack"
)

// AlertTypeAny matches every alert type when set on a NotificationPolicy.
const AlertTypeAny AlertType = "*"

// EscalationStep is one timed action taken while an alert stays
// unacknowledged.
type EscalationStep struct {
	DelayMinutes    int       `json:"delay_minutes" yaml:"delay_minutes"`
	Channels        []Channel `json:"channels" yaml:"channels"`
	ContactPriority *int      `json:"contact_priority,omitempty" yaml:"contact_priority,omitempty"`
	Repeat          bool      `json:"repeat" yaml:"repeat"`
}

// NotificationPolicy configures delivery for one alert type at one scope.
// Nil fields inherit from the broader scope.
type NotificationPolicy struct {
	gorm.Model `yaml:"-"`
	Scope     Scope     `json:"scope" yaml:"scope" gorm:"not null;uniqueIndex:idx_policy_scope"`
	ScopeID   uint      `json:"scope_id" yaml:"scope_id" gorm:"uniqueIndex:idx_policy_scope"`
	AlertType AlertType `json:"alert_type" yaml:"alert_type" gorm:"not null;uniqueIndex:idx_policy_scope"`

	InitialChannels         []Channel        `json:"initial_channels,omitempty" yaml:"initial_channels,omitempty" gorm:"serializer:json"`
	RequiresAck             *bool            `json:"requires_ack,omitempty" yaml:"requires_ack,omitempty"`
	AckDeadlineMinutes      *int             `json:"ack_deadline_minutes,omitempty" yaml:"ack_deadline_minutes,omitempty"`
	EscalationSteps         []EscalationStep `json:"escalation_steps,omitempty" yaml:"escalation_steps,omitempty" gorm:"serializer:json"`
	ReminderIntervalMinutes *int             `json:"reminder_interval_minutes,omitempty" yaml:"reminder_interval_minutes,omitempty"`

	QuietHoursEnabled  *bool   `json:"quiet_hours_enabled,omitempty" yaml:"quiet_hours_enabled,omitempty"`
	QuietHoursStart    *string `json:"quiet_hours_start,omitempty" yaml:"quiet_hours_start,omitempty"`
	QuietHoursEnd      *string `json:"quiet_hours_end,omitempty" yaml:"quiet_hours_end,omitempty"`
	QuietHoursTimezone *string `json:"quiet_hours_timezone,omitempty" yaml:"quiet_hours_timezone,omitempty"`

	SeverityThreshold         *Severity `json:"severity_threshold,omitempty" yaml:"severity_threshold,omitempty"`
	SendResolvedNotifications *bool     `json:"send_resolved_notifications,omitempty" yaml:"send_resolved_notifications,omitempty"`

	NotifyRoles         []string `json:"notify_roles,omitempty" yaml:"notify_roles,omitempty" gorm:"serializer:json"`
	NotifySiteManagers  *bool    `json:"notify_site_managers,omitempty" yaml:"notify_site_managers,omitempty"`
	NotifyAssignedUsers *bool    `json:"notify_assigned_users,omitempty" yaml:"notify_assigned_users,omitempty"`
}

// ChannelDisablement switches a channel off for a policy after its retries
// were exhausted. Removing the row re-enables the channel.
type ChannelDisablement struct {
	gorm.Model
	PolicyKey string  `json:"policy_key" gorm:"uniqueIndex:idx_disabled_channel;not null"`
	Channel   Channel `json:"channel" gorm:"uniqueIndex:idx_disabled_channel;not null"`
	Reason    string  `json:"reason"`
}
