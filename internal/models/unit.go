package models

import (
	"time"

	"gorm.io/gorm"
)

type UnitStatus string

const (
	UnitStatusOK                    UnitStatus = "ok"
	UnitStatusExcursion             UnitStatus = "excursion"
	UnitStatusAlarmActive           UnitStatus = "alarm_active"
	UnitStatusMonitoringInterrupted UnitStatus = "monitoring_interrupted"
	UnitStatusManualRequired        UnitStatus = "manual_required"
	UnitStatusRestoring             UnitStatus = "restoring"
	UnitStatusOffline               UnitStatus = "offline"
)

type DoorState string

const (
	DoorUnknown DoorState = "unknown"
	DoorOpen    DoorState = "open"
	DoorClosed  DoorState = "closed"
)

type TempUnit string

const (
	Fahrenheit TempUnit = "F"
	Celsius    TempUnit = "C"
)

// Unit is a temperature-controlled storage unit (fridge, freezer, walk-in).
// Hierarchy fields are owned by the administration service; the engine only
// writes the telemetry snapshot and Status.
type Unit struct {
	gorm.Model
	Name           string `json:"name" gorm:"not null"`
	OrganizationID uint   `json:"organization_id" gorm:"index"`
	SiteID         uint   `json:"site_id" gorm:"index"`
	AreaID         uint   `json:"area_id"`
	Timezone       string `json:"timezone"`

	TempMin  float64  `json:"temp_min"`
	TempMax  float64  `json:"temp_max"`
	TempUnit TempUnit `json:"temp_unit" gorm:"default:F"`

	ManualMonitoringEnabled bool `json:"manual_monitoring_enabled"`
	SensorUnreliable        bool `json:"sensor_unreliable"`

	LastReadingAt   *time.Time `json:"last_reading_at"`
	LastTemperature *float64   `json:"last_temperature"`
	DoorState       DoorState  `json:"door_state" gorm:"default:unknown"`
	DoorOpenSince   *time.Time `json:"door_open_since"`
	BatteryLevel    *float64   `json:"battery_level"`
	LastManualLogAt *time.Time `json:"last_manual_log_at"`

	// Excursion tracking. Ingestion opens and closes breaches; the
	// evaluation cycle ends dwelled breaches and advances mask charging.
	BreachStartedAt  *time.Time `json:"breach_started_at,omitempty"`
	InRangeSince     *time.Time `json:"in_range_since,omitempty"`
	MaskChargedUntil *time.Time `json:"-"`

	Status          UnitStatus `json:"status" gorm:"default:ok;index"`
	StatusChangedAt *time.Time `json:"status_changed_at"`
}

// Location returns the unit's configured time zone, UTC when unset or unknown.
func (u *Unit) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InRange reports whether temp lies inside [TempMin, TempMax].
func (u *Unit) InRange(temp float64) bool {
	return temp >= u.TempMin && temp <= u.TempMax
}
