package models

import "time"

// Reading is a single telemetry sample. Rows are append-only.
type Reading struct {
	ID             uint       `json:"id" gorm:"primarykey"`
	UnitID         uint       `json:"unit_id" gorm:"index:idx_readings_unit_time"`
	Temperature    float64    `json:"temperature"`
	Humidity       *float64   `json:"humidity,omitempty"`
	Battery        *float64   `json:"battery,omitempty"`
	SignalStrength *float64   `json:"signal_strength,omitempty"`
	DoorState      *DoorState `json:"door_state,omitempty"`
	RecordedAt     time.Time  `json:"recorded_at" gorm:"index:idx_readings_unit_time"`
	ReceivedAt     time.Time  `json:"received_at"`
	Source         string     `json:"source"`
}

// ManualLog is a temperature logged by hand while automated monitoring is
// unavailable.
type ManualLog struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	UnitID      uint      `json:"unit_id" gorm:"index"`
	Temperature float64   `json:"temperature"`
	RecordedAt  time.Time `json:"recorded_at"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DoorMaskUsage tracks how much door-open excursion time was suppressed for a
// unit on a local calendar day.
type DoorMaskUsage struct {
	UnitID        uint      `json:"unit_id" gorm:"primaryKey"`
	Day           string    `json:"day" gorm:"primaryKey;size:10"`
	MaskedSeconds int64     `json:"masked_seconds"`
	UpdatedAt     time.Time `json:"updated_at"`
}
