package models

import (
	"gorm.io/gorm"
)

type Scope string

const (
	ScopeDefault      Scope = "default"
	ScopeOrganization Scope = "organization"
	ScopeSite         Scope = "site"
	ScopeUnit         Scope = "unit"
)

// AlertRules holds threshold overrides for one scope. Every threshold is
// optional; unset fields fall through to the next broader scope.
type AlertRules struct {
	gorm.Model `yaml:"-"`
	Scope   Scope `json:"scope" yaml:"scope" gorm:"not null;uniqueIndex:idx_rules_scope"`
	ScopeID uint  `json:"scope_id" yaml:"scope_id" gorm:"uniqueIndex:idx_rules_scope"`

	ExpectedReadingIntervalSeconds *int `json:"expected_reading_interval_seconds,omitempty" yaml:"expected_reading_interval_seconds,omitempty"`
	OfflineWarningMissedCheckins   *int `json:"offline_warning_missed_checkins,omitempty" yaml:"offline_warning_missed_checkins,omitempty"`
	OfflineCriticalMissedCheckins  *int `json:"offline_critical_missed_checkins,omitempty" yaml:"offline_critical_missed_checkins,omitempty"`

	ExcursionConfirmMinutesDoorClosed *int `json:"excursion_confirm_minutes_door_closed,omitempty" yaml:"excursion_confirm_minutes_door_closed,omitempty"`
	ExcursionConfirmMinutesDoorOpen   *int `json:"excursion_confirm_minutes_door_open,omitempty" yaml:"excursion_confirm_minutes_door_open,omitempty"`
	MaxExcursionMinutes               *int `json:"max_excursion_minutes,omitempty" yaml:"max_excursion_minutes,omitempty"`

	DoorOpenWarningMinutes       *int `json:"door_open_warning_minutes,omitempty" yaml:"door_open_warning_minutes,omitempty"`
	DoorOpenCriticalMinutes      *int `json:"door_open_critical_minutes,omitempty" yaml:"door_open_critical_minutes,omitempty"`
	DoorOpenMaxMaskMinutesPerDay *int `json:"door_open_max_mask_minutes_per_day,omitempty" yaml:"door_open_max_mask_minutes_per_day,omitempty"`

	ManualIntervalMinutes            *int `json:"manual_interval_minutes,omitempty" yaml:"manual_interval_minutes,omitempty"`
	ManualGraceMinutes               *int `json:"manual_grace_minutes,omitempty" yaml:"manual_grace_minutes,omitempty"`
	ManualLogMissedCheckinsThreshold *int `json:"manual_log_missed_checkins_threshold,omitempty" yaml:"manual_log_missed_checkins_threshold,omitempty"`
}

// Contact is a notification recipient published by the user directory.
type Contact struct {
	gorm.Model `yaml:"-"`
	Name           string `json:"name" yaml:"name"`
	Email          string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone          string `json:"phone,omitempty" yaml:"phone,omitempty"`
	PushToken      string `json:"push_token,omitempty" yaml:"push_token,omitempty"`
	SlackID        string `json:"slack_id,omitempty" yaml:"slack_id,omitempty"`
	Role           string `json:"role" yaml:"role"`
	OrganizationID uint   `json:"organization_id" yaml:"organization_id" gorm:"index"`
	SiteID         uint   `json:"site_id,omitempty" yaml:"site_id,omitempty"`
	SiteManager    bool   `json:"site_manager" yaml:"site_manager"`
	UnitIDs        []uint `json:"unit_ids,omitempty" yaml:"unit_ids,omitempty" gorm:"serializer:json"`
	// Priority 1 is the primary on-call contact.
	Priority int `json:"priority" yaml:"priority" gorm:"default:1"`
}
