package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coldeye/internal/alert"
	"github.com/coldeye/internal/clock"
	"github.com/coldeye/internal/database"
	"github.com/coldeye/internal/events"
	"github.com/coldeye/internal/lock"
	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/monitor"
	"github.com/coldeye/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingEscalator struct {
	mu      sync.Mutex
	started []models.Alert
	paused  []uint
	cleared []models.Alert
}

func (r *recordingEscalator) Start(_ context.Context, a models.Alert, _ rules.EffectivePolicy, _ []models.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, a)
	return nil
}

func (r *recordingEscalator) Pause(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = append(r.paused, id)
}

func (r *recordingEscalator) Cleared(_ context.Context, a models.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, a)
}

type fixture struct {
	engine *Engine
	db     *gorm.DB
	esc    *recordingEscalator
	locker *lock.MemoryLocker
	bus    *events.Bus
	ledger *monitor.GormLedger
	clk    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	clk := clock.NewFake(now)
	ledger := monitor.NewGormLedger(db)
	f := &fixture{
		db:     db,
		esc:    &recordingEscalator{},
		locker: lock.NewMemoryLocker(),
		bus:    events.NewBus(64),
		ledger: ledger,
		clk:    clk,
	}
	f.engine = New(Deps{
		DB:         db,
		Rules:      rules.NewStore(db),
		Excursions: monitor.NewExcursionEvaluator(ledger, 0),
		Ledger:     ledger,
		Alerts:     alert.NewHandler(db, events.Discard{}, zap.NewNop(), clk.Now),
		Escalation: f.esc,
		Locker:     f.locker,
		Bus:        f.bus,
		Clock:      clk,
		Logger:     zap.NewNop(),
	}, Options{Interval: time.Minute, MaxConcurrent: 2})
	return f
}

func (f *fixture) unit(t *testing.T, name string, lastReading time.Duration) *models.Unit {
	t.Helper()
	at := now.Add(-lastReading)
	temp := 38.0
	u := &models.Unit{
		Name:            name,
		TempMin:         33,
		TempMax:         41,
		Timezone:        "UTC",
		LastReadingAt:   &at,
		LastTemperature: &temp,
	}
	require.NoError(t, f.db.Create(u).Error)
	return u
}

func (f *fixture) reload(t *testing.T, id uint) models.Unit {
	t.Helper()
	var u models.Unit
	require.NoError(t, f.db.First(&u, id).Error)
	return u
}

func (f *fixture) status(t *testing.T, id uint) models.UnitStatus {
	t.Helper()
	var u models.Unit
	require.NoError(t, f.db.First(&u, id).Error)
	return u.Status
}

func TestRunCycleRaisesAlertsAndWritesStatus(t *testing.T) {
	f := newFixture(t)
	feed := f.bus.Subscribe("test")
	late := f.unit(t, "Reach-in", 12*time.Minute)
	healthy := f.unit(t, "Walk-in", time.Minute)
	gone := f.unit(t, "Freezer", 40*time.Minute)

	report, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Units)
	assert.Equal(t, 3, report.Evaluated)
	assert.Zero(t, report.Failed)
	assert.Equal(t, models.AlertSummary{Total: 2, Critical: 1, Warning: 1, UnitsOK: 1, UnitsWithAlerts: 2}, report.Summary)

	computed, summary, at := f.engine.Computed()
	require.Len(t, computed, 2)
	assert.Equal(t, gone.ID, computed[0].UnitID)
	assert.Equal(t, models.SeverityCritical, computed[0].Severity)
	assert.Equal(t, late.ID, computed[1].UnitID)
	assert.Equal(t, report.Summary, summary)
	assert.Equal(t, now, at)

	assert.Len(t, f.esc.started, 2)
	assert.Equal(t, models.UnitStatusMonitoringInterrupted, f.status(t, late.ID))
	assert.Equal(t, models.UnitStatusOK, f.status(t, healthy.ID))
	assert.Equal(t, models.UnitStatusOffline, f.status(t, gone.ID))

	changed := 0
	for len(feed) > 0 {
		if evt := <-feed; evt.Type == events.UnitStatusChanged {
			changed++
		}
	}
	assert.Equal(t, 2, changed)
}

func TestRunCycleClearsRecoveredUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.unit(t, "Reach-in", 12*time.Minute)

	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, f.esc.started, 1)

	fresh := now
	require.NoError(t, f.db.Model(&models.Unit{}).Where("id = ?", u.ID).
		Update("last_reading_at", fresh).Error)

	report, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Summary.Total)
	require.Len(t, f.esc.cleared, 1)
	assert.Equal(t, models.AlertStatusResolved, f.esc.cleared[0].Status)
	assert.Equal(t, models.UnitStatusOK, f.status(t, u.ID))
}

func TestRunCycleReadsLockedUnitsWithoutActing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.unit(t, "Reach-in", time.Minute)

	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	computed, _, _ := f.engine.Computed()
	require.Empty(t, computed)

	release, err := f.locker.TryLock(ctx, fmt.Sprintf("unit:%d", u.ID), time.Minute)
	require.NoError(t, err)
	defer release()
	require.NoError(t, f.db.Model(&models.Unit{}).Where("id = ?", u.ID).
		Update("last_reading_at", now.Add(-40*time.Minute)).Error)

	report, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Evaluated)

	computed, _, _ = f.engine.Computed()
	require.Len(t, computed, 1)
	assert.Equal(t, u.ID, computed[0].UnitID)
	assert.Equal(t, models.SeverityCritical, computed[0].Severity)

	assert.Empty(t, f.esc.started)
	var persisted int64
	require.NoError(t, f.db.Model(&models.Alert{}).Count(&persisted).Error)
	assert.Zero(t, persisted)
	assert.Equal(t, models.UnitStatusOK, f.status(t, u.ID))
}

func TestRunCyclePausesMaskedExcursion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.unit(t, "Walk-in", time.Minute)
	started := now.Add(-2 * time.Minute)
	require.NoError(t, f.db.Model(&models.Unit{}).Where("id = ?", u.ID).
		Updates(map[string]interface{}{"last_temperature": 45.0, "breach_started_at": started}).Error)

	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, f.esc.started, 1)
	excursion := f.esc.started[0]
	assert.Equal(t, models.AlertTypeExcursion, excursion.Type)
	assert.Empty(t, f.esc.paused)

	require.NoError(t, f.db.Model(&models.Unit{}).Where("id = ?", u.ID).
		Updates(map[string]interface{}{"door_state": models.DoorOpen, "door_open_since": now.Add(-15 * time.Minute)}).Error)

	_, err = f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{excursion.ID}, f.esc.paused)
	for _, a := range f.esc.started[1:] {
		assert.NotEqual(t, excursion.ID, a.ID)
	}

	var stored models.Alert
	require.NoError(t, f.db.First(&stored, excursion.ID).Error)
	assert.True(t, stored.Suppressed)
	assert.EqualValues(t, 2, stored.Generation)

	// the masked span is charged once and remembered on the unit
	used, err := f.ledger.Used(ctx, u.ID, monitor.DayKey(now, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, used)
	reloaded := f.reload(t, u.ID)
	require.NotNil(t, reloaded.MaskChargedUntil)
	assert.True(t, reloaded.MaskChargedUntil.Equal(now))

	_, err = f.engine.RunCycle(ctx)
	require.NoError(t, err)
	used, err = f.ledger.Used(ctx, u.ID, monitor.DayKey(now, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, used)
}

func TestRunCycleEndsRecoveredBreach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.unit(t, "Walk-in", time.Minute)
	require.NoError(t, f.db.Model(&models.Unit{}).Where("id = ?", u.ID).
		Updates(map[string]interface{}{
			"breach_started_at": now.Add(-10 * time.Minute),
			"in_range_since":    now.Add(-time.Minute),
		}).Error)

	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	reloaded := f.reload(t, u.ID)
	assert.Nil(t, reloaded.BreachStartedAt)
	assert.Nil(t, reloaded.InRangeSince)
}

func TestSaveExcursionKeepsNewerBreach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.unit(t, "Walk-in", time.Minute)
	restarted := now.Add(-30 * time.Second)
	require.NoError(t, f.db.Model(&models.Unit{}).Where("id = ?", u.ID).
		Update("breach_started_at", restarted).Error)

	// ingestion saw an out-of-range reading after the in-range run was read
	stale := now.Add(-time.Minute)
	require.NoError(t, f.engine.saveExcursion(ctx, u, &stale))

	reloaded := f.reload(t, u.ID)
	require.NotNil(t, reloaded.BreachStartedAt)
	assert.True(t, reloaded.BreachStartedAt.Equal(restarted))
}

func TestPruneLedgerDropsOldDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Charge(ctx, 1, "2026-01-01", 10*time.Minute))
	require.NoError(t, f.ledger.Charge(ctx, 1, "2026-03-09", 5*time.Minute))

	n, err := f.engine.PruneLedger(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	used, err := f.ledger.Used(ctx, 1, "2026-03-09")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, used)
}

func TestStartRequiresInterval(t *testing.T) {
	f := newFixture(t)
	f.engine.opts.Interval = 0
	assert.Error(t, f.engine.Start(context.Background()))
}
