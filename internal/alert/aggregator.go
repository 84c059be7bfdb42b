package alert

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/monitor"
	"github.com/coldeye/internal/rules"
)

// Battery thresholds in percent.
const (
	BatteryWarningPercent  = 20.0
	BatteryCriticalPercent = 10.0
)

// Signals is everything derived for one unit in one evaluation.
type Signals struct {
	Unit      *models.Unit
	Rules     rules.EffectiveRules
	Missed    int
	Offline   models.Severity
	Manual    monitor.ManualStatus
	Excursion monitor.ExcursionResult
}

// ComputeUnit turns one unit's signals into its firing conditions.
func ComputeUnit(s Signals) []models.ComputedAlert {
	u := s.Unit
	var out []models.ComputedAlert
	add := func(a models.ComputedAlert) {
		a.ID = models.AlertKey(u.ID, a.Type)
		a.UnitID = u.ID
		a.UnitName = u.Name
		a.SiteID = u.SiteID
		out = append(out, a)
	}

	if s.Offline != models.SeverityNone {
		missed := s.Missed
		a := models.ComputedAlert{
			Type:           models.AlertTypeOffline,
			Severity:       s.Offline,
			Title:          "Unit offline",
			MissedCheckins: &missed,
			Metric:         "missed_checkins",
			Condition:      "gte",
		}
		if s.Missed == monitor.MaxMissedCheckins {
			a.Message = "No readings received from this unit"
		} else {
			a.Message = fmt.Sprintf("Missed %d check-ins", s.Missed)
			a.Value = floatPtr(float64(s.Missed))
		}
		threshold := s.Rules.OfflineWarningMissedCheckins
		if s.Offline == models.SeverityCritical {
			threshold = s.Rules.OfflineCriticalMissedCheckins
		}
		a.Threshold = floatPtr(float64(threshold))
		add(a)
	}

	if s.Manual.Required {
		missed := s.Missed
		a := models.ComputedAlert{
			Type:           models.AlertTypeManualRequired,
			Severity:       s.Manual.Severity,
			Title:          "Manual temperature log required",
			MissedCheckins: &missed,
		}
		switch {
		case s.Manual.NeverLogged:
			a.Message = "No manual log recorded"
		case s.Manual.Overdue > 0:
			a.Message = "Manual log overdue by " + humanDuration(s.Manual.Overdue)
		default:
			a.Message = "Manual log due at " + s.Manual.DueAt.In(u.Location()).Format("15:04")
		}
		add(a)
	}

	if a, ok := excursionAlert(u, s.Excursion); ok {
		add(a)
	}

	if u.BatteryLevel != nil {
		level := *u.BatteryLevel
		sev := models.SeverityNone
		threshold := BatteryWarningPercent
		switch {
		case level < BatteryCriticalPercent:
			sev, threshold = models.SeverityCritical, BatteryCriticalPercent
		case level < BatteryWarningPercent:
			sev = models.SeverityWarning
		}
		if sev != models.SeverityNone {
			add(models.ComputedAlert{
				Type:      models.AlertTypeBatteryLow,
				Severity:  sev,
				Title:     "Sensor battery low",
				Message:   fmt.Sprintf("Battery at %.0f%%", level),
				Metric:    "battery",
				Value:     floatPtr(level),
				Threshold: floatPtr(threshold),
				Condition: "lt",
			})
		}
	}

	if s.Excursion.DoorOpen {
		openFor := s.Excursion.DoorOpenFor
		sev := models.SeverityNone
		threshold := s.Rules.DoorOpenWarningMinutes
		switch {
		case openFor >= s.Rules.DoorOpenCritical():
			sev, threshold = models.SeverityCritical, s.Rules.DoorOpenCriticalMinutes
		case openFor >= s.Rules.DoorOpenWarning():
			sev = models.SeverityWarning
		}
		if sev != models.SeverityNone {
			add(models.ComputedAlert{
				Type:        models.AlertTypeDoorOpen,
				Severity:    sev,
				Title:       "Door left open",
				Message:     "Door open for " + humanDuration(openFor),
				DoorContext: doorContext(s.Excursion),
				Metric:      "door_open_minutes",
				Value:       floatPtr(openFor.Minutes()),
				Threshold:   floatPtr(float64(threshold)),
				Condition:   "gte",
			})
		}
	}
	return out
}

func excursionAlert(u *models.Unit, ex monitor.ExcursionResult) (models.ComputedAlert, bool) {
	var a models.ComputedAlert
	switch ex.State {
	case monitor.ExcursionConfirmed:
		a.Type = models.AlertTypeAlarmActive
		a.Severity = models.SeverityCritical
		a.Title = "Temperature alarm"
	case monitor.ExcursionPending, monitor.ExcursionMasked:
		a.Type = models.AlertTypeExcursion
		a.Severity = models.SeverityWarning
		a.Title = "Temperature excursion"
		a.Suppressed = ex.Masked
	default:
		return a, false
	}

	a.Metric = "temperature"
	a.DoorContext = doorContext(ex)
	var msg strings.Builder
	if ex.Temperature != nil {
		temp := *ex.Temperature
		a.Value = floatPtr(temp)
		if temp > u.TempMax {
			a.Condition = "above"
			a.Threshold = floatPtr(u.TempMax)
		} else {
			a.Condition = "below"
			a.Threshold = floatPtr(u.TempMin)
		}
		fmt.Fprintf(&msg, "%.1f°%s outside %.1f-%.1f°%s", temp, u.TempUnit, u.TempMin, u.TempMax, u.TempUnit)
	} else {
		msg.WriteString("Temperature out of range")
	}
	fmt.Fprintf(&msg, " for %s", humanDuration(ex.Duration))
	if ex.Ceiling {
		msg.WriteString(", past maximum excursion time")
	}
	if ex.Masked {
		msg.WriteString(", masked while door open")
	}
	if a.DoorContext != "" {
		fmt.Fprintf(&msg, " (%s)", a.DoorContext)
	}
	a.Message = msg.String()
	return a, true
}

func doorContext(ex monitor.ExcursionResult) string {
	if !ex.DoorOpen {
		return ""
	}
	if ex.DoorOpenFor <= 0 {
		return "door open"
	}
	return "door open " + humanDuration(ex.DoorOpenFor)
}

// Aggregate computes alerts for every unit, sorted critical first, and the
// summary counters.
func Aggregate(units []Signals) ([]models.ComputedAlert, models.AlertSummary) {
	var (
		all     []models.ComputedAlert
		summary models.AlertSummary
	)
	for _, s := range units {
		alerts := ComputeUnit(s)
		if len(alerts) == 0 {
			summary.UnitsOK++
			continue
		}
		summary.UnitsWithAlerts++
		all = append(all, alerts...)
	}
	SortAlerts(all)

	summary.Total = len(all)
	for _, a := range all {
		switch a.Severity {
		case models.SeverityCritical:
			summary.Critical++
		case models.SeverityWarning:
			summary.Warning++
		}
	}
	return all, summary
}

func SortAlerts(alerts []models.ComputedAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		return a.Type < b.Type
	})
}

// UnitStatus derives the display status of a unit from its signals.
func UnitStatus(s Signals) models.UnitStatus {
	switch {
	case s.Excursion.State == monitor.ExcursionConfirmed:
		return models.UnitStatusAlarmActive
	case s.Offline == models.SeverityCritical:
		return models.UnitStatusOffline
	case s.Manual.Required:
		return models.UnitStatusManualRequired
	case s.Offline == models.SeverityWarning:
		return models.UnitStatusMonitoringInterrupted
	case s.Excursion.State == monitor.ExcursionPending || s.Excursion.State == monitor.ExcursionMasked:
		return models.UnitStatusExcursion
	case s.Excursion.State == monitor.ExcursionRestoring:
		return models.UnitStatusRestoring
	default:
		return models.UnitStatusOK
	}
}

func floatPtr(v float64) *float64 {
	return &v
}

// humanDuration renders d as e.g. "45m" or "4h5m".
func humanDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "<1m"
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh%dm", h, m)
	}
}
