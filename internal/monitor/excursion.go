package monitor

import (
	"context"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/rules"
)

type ExcursionState string

const (
	ExcursionNone      ExcursionState = "none"
	ExcursionPending   ExcursionState = "pending"
	ExcursionConfirmed ExcursionState = "confirmed"
	ExcursionMasked    ExcursionState = "masked"
	ExcursionRestoring ExcursionState = "restoring"
)

// ExcursionResult describes a unit's temperature excursion at one instant.
type ExcursionResult struct {
	State         ExcursionState
	Severity      models.Severity
	Temperature   *float64
	Duration      time.Duration
	Window        time.Duration
	DoorOpen      bool
	DoorOpenFor   time.Duration
	Masked        bool
	MaskRemaining time.Duration
	Ceiling       bool

	// applied by Commit
	ended        bool
	charge       time.Duration
	chargeDay    string
	chargedUntil time.Time
}

// Escalating reports whether the excursion should raise an alarm.
func (r ExcursionResult) Escalating() bool {
	return r.State == ExcursionConfirmed
}

// ExcursionEvaluator debounces out-of-range temperatures per unit and applies
// door-open masking against a daily budget.
//
// A breach starts at the first out-of-range reading. In-range readings end it
// once they have held for resetDwell; with a zero dwell a single in-range
// reading is enough. The breach is tracked on the unit record, so every
// process sharing the database sees the same one.
type ExcursionEvaluator struct {
	ledger     MaskLedger
	resetDwell time.Duration
}

func NewExcursionEvaluator(ledger MaskLedger, resetDwell time.Duration) *ExcursionEvaluator {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if resetDwell < 0 {
		resetDwell = 0
	}
	return &ExcursionEvaluator{ledger: ledger, resetDwell: resetDwell}
}

// Observe advances the unit's breach tracking with a reading. It must be
// called before the reading is applied to the unit's snapshot; readings older
// than the snapshot are ignored. It reports whether the tracking fields
// changed.
func (e *ExcursionEvaluator) Observe(unit *models.Unit, r models.Reading) bool {
	if unit.LastReadingAt != nil && r.RecordedAt.Before(*unit.LastReadingAt) {
		return false
	}
	at := r.RecordedAt

	if !unit.InRange(r.Temperature) {
		changed := unit.InRangeSince != nil
		unit.InRangeSince = nil
		if unit.BreachStartedAt == nil {
			unit.BreachStartedAt = &at
			changed = true
		}
		return changed
	}
	if unit.BreachStartedAt == nil {
		return false
	}
	if unit.InRangeSince == nil {
		unit.InRangeSince = &at
	}
	if at.Sub(*unit.InRangeSince) >= e.resetDwell {
		unit.BreachStartedAt = nil
		unit.InRangeSince = nil
	}
	return true
}

// breachStart falls back to the snapshot for units whose last reading is out
// of range but predates breach tracking.
func breachStart(unit *models.Unit) (time.Time, bool) {
	if unit.BreachStartedAt != nil {
		return *unit.BreachStartedAt, true
	}
	if unit.LastReadingAt != nil && unit.LastTemperature != nil && !unit.InRange(*unit.LastTemperature) {
		return *unit.LastReadingAt, true
	}
	return time.Time{}, false
}

// Evaluate classifies the unit's excursion at now without changing anything.
// When the ledger cannot be read the budget is treated as spent, so the
// excursion escalates; the error is returned with the result. Commit applies
// the mask charge and breach end the result carries.
func (e *ExcursionEvaluator) Evaluate(ctx context.Context, unit *models.Unit, r rules.EffectiveRules, now time.Time) (ExcursionResult, error) {
	res := ExcursionResult{State: ExcursionNone}
	if unit.LastTemperature != nil {
		temp := *unit.LastTemperature
		res.Temperature = &temp
	}
	if unit.DoorState == models.DoorOpen {
		res.DoorOpen = true
		if unit.DoorOpenSince != nil && now.After(*unit.DoorOpenSince) {
			res.DoorOpenFor = now.Sub(*unit.DoorOpenSince)
		}
	}

	start, ok := breachStart(unit)
	if !ok {
		return res, nil
	}
	if unit.InRangeSince != nil {
		if now.Sub(*unit.InRangeSince) >= e.resetDwell {
			res.ended = true
			return res, nil
		}
		res.State = ExcursionRestoring
		res.Duration = unit.InRangeSince.Sub(start)
		return res, nil
	}

	if now.After(start) {
		res.Duration = now.Sub(start)
	}

	budget := r.MaskBudget()
	day := DayKey(now, unit.Location())
	used, err := e.ledger.Used(ctx, unit.ID, day)
	if err != nil {
		used = budget
	}
	remaining := budget - used
	if remaining < 0 {
		remaining = 0
	}
	res.MaskRemaining = remaining
	budgetLeft := remaining > 0

	res.Window = r.ConfirmDoorClosed()
	if res.DoorOpen && budgetLeft {
		res.Window = r.ConfirmDoorOpen()
	}

	switch {
	case r.MaxExcursionMinutes > 0 && res.Duration >= r.MaxExcursion():
		res.State = ExcursionConfirmed
		res.Severity = models.SeverityCritical
		res.Ceiling = true
	case res.DoorOpen && budgetLeft && unit.DoorOpenSince != nil && res.DoorOpenFor >= r.DoorOpenCritical():
		res.State = ExcursionMasked
		res.Severity = models.SeverityWarning
		res.Masked = true
		var charged time.Time
		if unit.MaskChargedUntil != nil {
			charged = *unit.MaskChargedUntil
		}
		maskFrom := latest(start, unit.DoorOpenSince.Add(r.DoorOpenCritical()), charged)
		if now.After(maskFrom) {
			charge := now.Sub(maskFrom).Truncate(time.Second)
			if charge > remaining {
				charge = remaining
			}
			res.charge = charge
			res.chargeDay = day
			res.chargedUntil = maskFrom.Add(charge)
			res.MaskRemaining = remaining - charge
		}
	case res.Duration >= res.Window:
		res.State = ExcursionConfirmed
		res.Severity = models.SeverityCritical
	default:
		res.State = ExcursionPending
		res.Severity = models.SeverityWarning
	}
	return res, err
}

// Commit charges the masked time of res to the ledger and ends a breach
// whose in-range dwell completed, updating the unit's tracking fields. It
// reports whether they changed. A failed charge leaves the unit untouched, so
// the next evaluation charges the same span again.
func (e *ExcursionEvaluator) Commit(ctx context.Context, unit *models.Unit, res ExcursionResult) (bool, error) {
	if res.ended {
		unit.BreachStartedAt = nil
		unit.InRangeSince = nil
		return true, nil
	}
	if res.charge <= 0 {
		return false, nil
	}
	if err := e.ledger.Charge(ctx, unit.ID, res.chargeDay, res.charge); err != nil {
		return false, err
	}
	until := res.chargedUntil
	unit.MaskChargedUntil = &until
	return true, nil
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
