package monitor

import (
	"math"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/rules"
)

// MaxMissedCheckins is reported for a unit that has never checked in.
const MaxMissedCheckins = math.MaxInt32

// checkinBuffer absorbs transmission jitter so a reading that is a few seconds
// late does not flap the count.
const checkinBuffer = 30 * time.Second

// MissedCheckins returns how many full expected-reading intervals have elapsed
// since lastCheckinAt without a new reading.
func MissedCheckins(lastCheckinAt *time.Time, interval time.Duration, now time.Time) int {
	if lastCheckinAt == nil {
		return MaxMissedCheckins
	}
	if interval <= 0 {
		interval = rules.DefaultExpectedReadingIntervalSeconds * time.Second
	}
	elapsed := now.Sub(*lastCheckinAt) - checkinBuffer
	if elapsed < 0 {
		elapsed = 0
	}
	missed := int(elapsed/interval) - 1
	if missed < 0 {
		return 0
	}
	return missed
}

// OfflineSeverity maps a missed check-in count to a severity. The critical
// threshold is tested first, so an inverted pair resolves to critical.
func OfflineSeverity(missed int, r rules.EffectiveRules) models.Severity {
	switch {
	case missed >= r.OfflineCriticalMissedCheckins:
		return models.SeverityCritical
	case missed >= r.OfflineWarningMissedCheckins:
		return models.SeverityWarning
	default:
		return models.SeverityNone
	}
}
