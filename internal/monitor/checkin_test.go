package monitor

import (
	"testing"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/rules"
	"github.com/stretchr/testify/assert"
)

func effRules(mut func(*rules.EffectiveRules)) rules.EffectiveRules {
	r := rules.NewSnapshot(time.Time{}, nil, nil, nil, nil).ResolveRules(&models.Unit{})
	if mut != nil {
		mut(&r)
	}
	return r
}

func TestMissedCheckinsNeverReported(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	missed := MissedCheckins(nil, 5*time.Minute, now)
	assert.Equal(t, MaxMissedCheckins, missed)
	assert.Equal(t, models.SeverityCritical, OfflineSeverity(missed, effRules(nil)))
}

func TestMissedCheckinsFormula(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	interval := 5 * time.Minute
	cases := []struct {
		ago  time.Duration
		want int
	}{
		{0, 0},
		{4 * time.Minute, 0},
		{10 * time.Minute, 0},
		{10*time.Minute + 30*time.Second, 1},
		{10*time.Minute + 29*time.Second, 0},
		{35 * time.Minute, 5},
		{-time.Minute, 0},
	}
	for _, tc := range cases {
		last := now.Add(-tc.ago)
		assert.Equal(t, tc.want, MissedCheckins(&last, interval, now), "ago=%s", tc.ago)
	}
}

func TestMissedCheckinsResetsOnNewReading(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-2 * time.Hour)
	assert.Greater(t, MissedCheckins(&old, 5*time.Minute, now), 0)
	fresh := now
	assert.Equal(t, 0, MissedCheckins(&fresh, 5*time.Minute, now))
}

func TestMissedCheckinsMonotonic(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := 0
	for m := 0; m < 180; m++ {
		got := MissedCheckins(&last, 5*time.Minute, last.Add(time.Duration(m)*time.Minute))
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestOfflineSeverityThresholds(t *testing.T) {
	r := effRules(func(r *rules.EffectiveRules) {
		r.OfflineWarningMissedCheckins = 1
		r.OfflineCriticalMissedCheckins = 5
	})
	for missed := 0; missed < 12; missed++ {
		got := OfflineSeverity(missed, r)
		switch {
		case missed < 1:
			assert.Equal(t, models.SeverityNone, got, missed)
		case missed >= 5:
			assert.Equal(t, models.SeverityCritical, got, missed)
		default:
			assert.Equal(t, models.SeverityWarning, got, missed)
		}
	}
}

func TestOfflineSeverityInvertedThresholdsCriticalWins(t *testing.T) {
	r := effRules(func(r *rules.EffectiveRules) {
		r.OfflineWarningMissedCheckins = 4
		r.OfflineCriticalMissedCheckins = 2
	})
	assert.Equal(t, models.SeverityNone, OfflineSeverity(1, r))
	assert.Equal(t, models.SeverityCritical, OfflineSeverity(2, r))
	assert.Equal(t, models.SeverityCritical, OfflineSeverity(4, r))
}

func TestOfflineExample(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-35 * time.Minute)
	r := effRules(func(r *rules.EffectiveRules) {
		r.ExpectedReadingIntervalSeconds = 300
		r.OfflineWarningMissedCheckins = 1
		r.OfflineCriticalMissedCheckins = 5
	})
	missed := MissedCheckins(&last, r.CheckinInterval(), now)
	assert.InDelta(t, 6, missed, 1)
	assert.Equal(t, models.SeverityCritical, OfflineSeverity(missed, r))
}
