package models

import (
	"time"

	"gorm.io/gorm"
)

type Severity string

const (
	SeverityNone     Severity = ""
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared against thresholds.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s meets threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

type AlertType string

const (
	AlertTypeOffline        AlertType = "offline"
	AlertTypeManualRequired AlertType = "manual_required"
	AlertTypeExcursion      AlertType = "excursion"
	AlertTypeAlarmActive    AlertType = "alarm_active"
	AlertTypeBatteryLow     AlertType = "battery_low"
	AlertTypeDoorOpen       AlertType = "door_open"
)

type AlertStatus string

const (
	AlertStatusTriggered    AlertStatus = "triggered"
	AlertStatusSent         AlertStatus = "sent"
	AlertStatusDelivered    AlertStatus = "delivered"
	AlertStatusFailed       AlertStatus = "failed"
	AlertStatusRetrying     AlertStatus = "retrying"
	AlertStatusEscalated    AlertStatus = "escalated"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Open reports whether the alert still participates in escalation.
func (s AlertStatus) Open() bool {
	return s != AlertStatusAcknowledged && s != AlertStatusResolved
}

// Active reports whether the underlying condition is still tracked, which
// includes acknowledged alerts.
func (s AlertStatus) Active() bool {
	return s != AlertStatusResolved
}

// Alert is the durable record of an alert instance, keyed by unit and type.
type Alert struct {
	gorm.Model
	UnitID   uint        `json:"unit_id" gorm:"index:idx_alert_key"`
	UnitName string      `json:"unit_name"`
	SiteID   uint        `json:"site_id"`
	Type     AlertType   `json:"type" gorm:"index:idx_alert_key"`
	Severity Severity    `json:"severity"`
	Title    string      `json:"title"`
	Message  string      `json:"message"`
	Status   AlertStatus `json:"status" gorm:"index"`

	Metric    string   `json:"metric,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Condition string   `json:"condition,omitempty"`

	// Suppressed alerts stay open but do not escalate, e.g. an excursion
	// masked by an open door.
	Suppressed      bool       `json:"suppressed"`
	EscalationLevel int        `json:"escalation_level"`
	Generation      uint64     `json:"generation"`
	TriggeredAt     time.Time  `json:"triggered_at"`
	LastNotifiedAt  *time.Time `json:"last_notified_at,omitempty"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Key is the alert instance identity shared with ComputedAlert.
func (a *Alert) Key() string {
	return AlertKey(a.UnitID, a.Type)
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// Delivery records one send attempt on one channel.
type Delivery struct {
	ID         uint           `json:"id" gorm:"primarykey"`
	AlertID    uint           `json:"alert_id" gorm:"index"`
	Channel    Channel        `json:"channel"`
	Kind       string         `json:"kind"`
	Attempt    int            `json:"attempt"`
	Status     DeliveryStatus `json:"status"`
	Recipients int            `json:"recipients"`
	ProviderID string         `json:"provider_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Notice is a user-visible operational message, e.g. a channel that was
// switched off after repeated delivery failures.
type Notice struct {
	ID          uint       `json:"id" gorm:"primarykey"`
	Level       Severity   `json:"level"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	PolicyKey   string     `json:"policy_key,omitempty"`
	Channel     Channel    `json:"channel,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
}

// InAppNotification is an entry in a contact's in-app inbox.
type InAppNotification struct {
	ID        uint       `json:"id" gorm:"primarykey"`
	ContactID uint       `json:"contact_id" gorm:"index"`
	AlertID   uint       `json:"alert_id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Severity  Severity   `json:"severity"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
