package rules

import (
	"time"

	"github.com/coldeye/internal/models"
)

// EffectiveRules is the fully resolved threshold set for one unit.
type EffectiveRules struct {
	ExpectedReadingIntervalSeconds    int `json:"expected_reading_interval_seconds"`
	OfflineWarningMissedCheckins      int `json:"offline_warning_missed_checkins"`
	OfflineCriticalMissedCheckins     int `json:"offline_critical_missed_checkins"`
	ExcursionConfirmMinutesDoorClosed int `json:"excursion_confirm_minutes_door_closed"`
	ExcursionConfirmMinutesDoorOpen   int `json:"excursion_confirm_minutes_door_open"`
	MaxExcursionMinutes               int `json:"max_excursion_minutes"`
	DoorOpenWarningMinutes            int `json:"door_open_warning_minutes"`
	DoorOpenCriticalMinutes           int `json:"door_open_critical_minutes"`
	DoorOpenMaxMaskMinutesPerDay      int `json:"door_open_max_mask_minutes_per_day"`
	ManualIntervalMinutes             int `json:"manual_interval_minutes"`
	ManualGraceMinutes                int `json:"manual_grace_minutes"`
	ManualLogMissedCheckinsThreshold  int `json:"manual_log_missed_checkins_threshold"`

	// Sources records which scope supplied each field, keyed by JSON name.
	Sources map[string]models.Scope `json:"sources"`
	// GroupSources is the most specific scope that contributed to each
	// field group (checkin, excursion, door, manual).
	GroupSources map[string]models.Scope `json:"group_sources"`
}

func (r EffectiveRules) CheckinInterval() time.Duration {
	return time.Duration(r.ExpectedReadingIntervalSeconds) * time.Second
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

func (r EffectiveRules) ConfirmDoorClosed() time.Duration {
	return minutes(r.ExcursionConfirmMinutesDoorClosed)
}
func (r EffectiveRules) ConfirmDoorOpen() time.Duration {
	return minutes(r.ExcursionConfirmMinutesDoorOpen)
}
func (r EffectiveRules) MaxExcursion() time.Duration { return minutes(r.MaxExcursionMinutes) }
func (r EffectiveRules) DoorOpenWarning() time.Duration { return minutes(r.DoorOpenWarningMinutes) }
func (r EffectiveRules) DoorOpenCritical() time.Duration {
	return minutes(r.DoorOpenCriticalMinutes)
}
func (r EffectiveRules) MaskBudget() time.Duration { return minutes(r.DoorOpenMaxMaskMinutesPerDay) }
func (r EffectiveRules) ManualInterval() time.Duration { return minutes(r.ManualIntervalMinutes) }
func (r EffectiveRules) ManualGrace() time.Duration { return minutes(r.ManualGraceMinutes) }

type ruleField struct {
	name  string
	group string
	get   func(*models.AlertRules) *int
	set   func(*EffectiveRules, int)
	def   int
}

var ruleFields = []ruleField{
	{"expected_reading_interval_seconds", "checkin",
		func(r *models.AlertRules) *int { return r.ExpectedReadingIntervalSeconds },
		func(e *EffectiveRules, v int) { e.ExpectedReadingIntervalSeconds = v }, DefaultExpectedReadingIntervalSeconds},
	{"offline_warning_missed_checkins", "checkin",
		func(r *models.AlertRules) *int { return r.OfflineWarningMissedCheckins },
		func(e *EffectiveRules, v int) { e.OfflineWarningMissedCheckins = v }, DefaultOfflineWarningMissedCheckins},
	{"offline_critical_missed_checkins", "checkin",
		func(r *models.AlertRules) *int { return r.OfflineCriticalMissedCheckins },
		func(e *EffectiveRules, v int) { e.OfflineCriticalMissedCheckins = v }, DefaultOfflineCriticalMissedCheckins},
	{"excursion_confirm_minutes_door_closed", "excursion",
		func(r *models.AlertRules) *int { return r.ExcursionConfirmMinutesDoorClosed },
		func(e *EffectiveRules, v int) { e.ExcursionConfirmMinutesDoorClosed = v }, DefaultExcursionConfirmMinutesDoorClosed},
	{"excursion_confirm_minutes_door_open", "excursion",
		func(r *models.AlertRules) *int { return r.ExcursionConfirmMinutesDoorOpen },
		func(e *EffectiveRules, v int) { e.ExcursionConfirmMinutesDoorOpen = v }, DefaultExcursionConfirmMinutesDoorOpen},
	{"max_excursion_minutes", "excursion",
		func(r *models.AlertRules) *int { return r.MaxExcursionMinutes },
		func(e *EffectiveRules, v int) { e.MaxExcursionMinutes = v }, DefaultMaxExcursionMinutes},
	{"door_open_warning_minutes", "door",
		func(r *models.AlertRules) *int { return r.DoorOpenWarningMinutes },
		func(e *EffectiveRules, v int) { e.DoorOpenWarningMinutes = v }, DefaultDoorOpenWarningMinutes},
	{"door_open_critical_minutes", "door",
		func(r *models.AlertRules) *int { return r.DoorOpenCriticalMinutes },
		func(e *EffectiveRules, v int) { e.DoorOpenCriticalMinutes = v }, DefaultDoorOpenCriticalMinutes},
	{"door_open_max_mask_minutes_per_day", "door",
		func(r *models.AlertRules) *int { return r.DoorOpenMaxMaskMinutesPerDay },
		func(e *EffectiveRules, v int) { e.DoorOpenMaxMaskMinutesPerDay = v }, DefaultDoorOpenMaxMaskMinutesPerDay},
	{"manual_interval_minutes", "manual",
		func(r *models.AlertRules) *int { return r.ManualIntervalMinutes },
		func(e *EffectiveRules, v int) { e.ManualIntervalMinutes = v }, DefaultManualIntervalMinutes},
	{"manual_grace_minutes", "manual",
		func(r *models.AlertRules) *int { return r.ManualGraceMinutes },
		func(e *EffectiveRules, v int) { e.ManualGraceMinutes = v }, DefaultManualGraceMinutes},
	{"manual_log_missed_checkins_threshold", "manual",
		func(r *models.AlertRules) *int { return r.ManualLogMissedCheckinsThreshold },
		func(e *EffectiveRules, v int) { e.ManualLogMissedCheckinsThreshold = v }, DefaultManualLogMissedCheckinsThreshold},
}

// ResolveRules merges unit, site and organization overrides field by field
// over the compiled-in defaults.
func (s *Snapshot) ResolveRules(unit *models.Unit) EffectiveRules {
	var layers []*models.AlertRules
	var scopes []models.Scope
	for _, k := range chain(unit) {
		if r, ok := s.rules[k]; ok {
			layers = append(layers, r)
			scopes = append(scopes, k.scope)
		}
	}

	eff := EffectiveRules{
		Sources:      make(map[string]models.Scope, len(ruleFields)),
		GroupSources: make(map[string]models.Scope, 4),
	}
	for _, f := range ruleFields {
		value, source := f.def, models.ScopeDefault
		for i, layer := range layers {
			if v := f.get(layer); v != nil {
				value, source = *v, scopes[i]
				break
			}
		}
		// Non-positive intervals would divide by zero downstream.
		if f.name == "expected_reading_interval_seconds" && value <= 0 {
			value, source = f.def, models.ScopeDefault
		}
		f.set(&eff, value)
		eff.Sources[f.name] = source
		if cur, ok := eff.GroupSources[f.group]; !ok || scopeRank(source) > scopeRank(cur) {
			eff.GroupSources[f.group] = source
		}
	}
	return eff
}
