package models

import "fmt"

// ComputedAlert is re-derived on every evaluation cycle and never stored.
type ComputedAlert struct {
	ID             string    `json:"id"`
	UnitID         uint      `json:"unit_id"`
	UnitName       string    `json:"unit_name"`
	SiteID         uint      `json:"site_id"`
	Type           AlertType `json:"type"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	MissedCheckins *int      `json:"missed_checkins,omitempty"`
	DoorContext    string    `json:"door_context,omitempty"`
	Suppressed     bool      `json:"suppressed,omitempty"`
	Metric         string    `json:"metric,omitempty"`
	Value          *float64  `json:"value,omitempty"`
	Threshold      *float64  `json:"threshold,omitempty"`
	Condition      string    `json:"condition,omitempty"`
}

// AlertSummary counts a batch of computed alerts.
type AlertSummary struct {
	Total           int `json:"total"`
	Critical        int `json:"critical"`
	Warning         int `json:"warning"`
	UnitsOK         int `json:"units_ok"`
	UnitsWithAlerts int `json:"units_with_alerts"`
}

func AlertKey(unitID uint, t AlertType) string {
	return fmt.Sprintf("%d:%s", unitID, t)
}
