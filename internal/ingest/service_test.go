package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coldeye/internal/database"
	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu       sync.Mutex
	readings []models.Reading
	priorAt  []*time.Time
}

func (o *recordingObserver) Observe(unit *models.Unit, r models.Reading) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readings = append(o.readings, r)
	o.priorAt = append(o.priorAt, unit.LastReadingAt)
	return false
}

func newService(t *testing.T) (*Service, *gorm.DB, *recordingObserver) {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	obs := &recordingObserver{}
	return NewService(db, obs, zap.NewNop(), func() time.Time { return now }), db, obs
}

func newUnit(t *testing.T, db *gorm.DB) *models.Unit {
	t.Helper()
	u := &models.Unit{Name: "Walk-in", TempMin: 33, TempMax: 41}
	require.NoError(t, db.Create(u).Error)
	return u
}

func loadUnit(t *testing.T, db *gorm.DB, id uint) models.Unit {
	t.Helper()
	var u models.Unit
	require.NoError(t, db.First(&u, id).Error)
	return u
}

func f64(v float64) *float64 { return &v }

func door(d models.DoorState) *models.DoorState { return &d }

func TestIngestReadingsAdvancesSnapshot(t *testing.T) {
	svc, db, obs := newService(t)
	u := newUnit(t, db)

	res, err := svc.IngestReadings(context.Background(), "http", []ReadingInput{
		{UnitID: u.ID, Temperature: f64(39), RecordedAt: now.Add(-1 * time.Minute), DoorState: door(models.DoorOpen)},
		{UnitID: u.ID, Temperature: f64(37), RecordedAt: now.Add(-3 * time.Minute), DoorState: door(models.DoorClosed)},
		{UnitID: u.ID, Temperature: f64(38), RecordedAt: now.Add(-2 * time.Minute), DoorState: door(models.DoorOpen), Battery: f64(55)},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)
	assert.Empty(t, res.Rejected)

	got := loadUnit(t, db, u.ID)
	require.NotNil(t, got.LastReadingAt)
	assert.True(t, got.LastReadingAt.Equal(now.Add(-1*time.Minute)))
	assert.Equal(t, 39.0, *got.LastTemperature)
	assert.Equal(t, models.DoorOpen, got.DoorState)
	require.NotNil(t, got.DoorOpenSince)
	assert.True(t, got.DoorOpenSince.Equal(now.Add(-2*time.Minute)), "door open since the first open sample")
	assert.Equal(t, 55.0, *got.BatteryLevel)

	require.Len(t, obs.readings, 3)
	assert.Equal(t, 37.0, obs.readings[0].Temperature)
	assert.Equal(t, 39.0, obs.readings[2].Temperature)
	assert.Nil(t, obs.priorAt[0], "observer sees the snapshot before each reading")
	require.NotNil(t, obs.priorAt[1])
	assert.True(t, obs.priorAt[1].Equal(now.Add(-3*time.Minute)))
	assert.Equal(t, "http", obs.readings[0].Source)

	var count int64
	require.NoError(t, db.Model(&models.Reading{}).Where("unit_id = ?", u.ID).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestIngestRejectsBadSamplesIndividually(t *testing.T) {
	svc, db, _ := newService(t)
	u := newUnit(t, db)

	res, err := svc.IngestReadings(context.Background(), "http", []ReadingInput{
		{UnitID: u.ID, RecordedAt: now},
		{UnitID: 999, Temperature: f64(38), RecordedAt: now},
		{UnitID: u.ID, Temperature: f64(38), RecordedAt: now.Add(time.Hour)},
		{UnitID: u.ID, Temperature: f64(38), RecordedAt: now, DoorState: door("ajar")},
		{UnitID: u.ID, Temperature: f64(38)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Rejected, 4)
	for i, r := range res.Rejected {
		assert.Equal(t, i, r.Index)
	}
	assert.Contains(t, res.Rejected[1].Reason, "unit not found")

	got := loadUnit(t, db, u.ID)
	require.NotNil(t, got.LastReadingAt)
	assert.True(t, got.LastReadingAt.Equal(now), "missing recorded_at defaults to receive time")
}

func TestOlderReadingDoesNotRewindSnapshot(t *testing.T) {
	svc, db, _ := newService(t)
	u := newUnit(t, db)
	ctx := context.Background()

	_, err := svc.IngestReadings(ctx, "http", []ReadingInput{
		{UnitID: u.ID, Temperature: f64(38), RecordedAt: now, DoorState: door(models.DoorOpen)},
	})
	require.NoError(t, err)
	_, err = svc.IngestReadings(ctx, "http", []ReadingInput{
		{UnitID: u.ID, Temperature: f64(45), RecordedAt: now.Add(-10 * time.Minute), DoorState: door(models.DoorClosed)},
	})
	require.NoError(t, err)

	got := loadUnit(t, db, u.ID)
	assert.Equal(t, 38.0, *got.LastTemperature)
	assert.Equal(t, models.DoorOpen, got.DoorState)

	_, err = svc.IngestReadings(ctx, "http", []ReadingInput{
		{UnitID: u.ID, Temperature: f64(38), RecordedAt: now.Add(time.Minute), DoorState: door(models.DoorClosed)},
	})
	require.NoError(t, err)
	got = loadUnit(t, db, u.ID)
	assert.Equal(t, models.DoorClosed, got.DoorState)
	assert.Nil(t, got.DoorOpenSince)
}

func TestLogManual(t *testing.T) {
	svc, db, _ := newService(t)
	u := newUnit(t, db)
	ctx := context.Background()

	log, err := svc.LogManual(ctx, u.ID, ManualLogInput{Temperature: f64(36), Notes: "sensor in back"})
	require.NoError(t, err)
	assert.NotZero(t, log.ID)
	got := loadUnit(t, db, u.ID)
	require.NotNil(t, got.LastManualLogAt)
	assert.True(t, got.LastManualLogAt.Equal(now))

	_, err = svc.LogManual(ctx, u.ID, ManualLogInput{Temperature: f64(36), RecordedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	got = loadUnit(t, db, u.ID)
	assert.True(t, got.LastManualLogAt.Equal(now), "older log does not rewind compliance")

	_, err = svc.LogManual(ctx, 999, ManualLogInput{Temperature: f64(36)})
	assert.ErrorIs(t, err, ErrUnitNotFound)

	_, err = svc.LogManual(ctx, u.ID, ManualLogInput{})
	assert.ErrorIs(t, err, ErrInvalidReading)
}

func TestReadingsQuery(t *testing.T) {
	svc, db, _ := newService(t)
	u := newUnit(t, db)
	ctx := context.Background()

	var batch []ReadingInput
	for i := 0; i < 5; i++ {
		batch = append(batch, ReadingInput{UnitID: u.ID, Temperature: f64(35 + float64(i)), RecordedAt: now.Add(-time.Duration(i) * time.Minute)})
	}
	_, err := svc.IngestReadings(ctx, "http", batch)
	require.NoError(t, err)

	out, err := svc.Readings(ctx, u.ID, now.Add(-3*time.Minute), time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 35.0, out[0].Temperature)
	assert.Equal(t, 36.0, out[1].Temperature)
}

func TestIngestPersistsBreachTracking(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	svc := NewService(db, monitor.NewExcursionEvaluator(nil, 0), zap.NewNop(), func() time.Time { return now })
	u := newUnit(t, db)
	ctx := context.Background()

	_, err = svc.IngestReadings(ctx, "mqtt", []ReadingInput{
		{UnitID: u.ID, Temperature: f64(45), RecordedAt: now.Add(-5 * time.Minute)},
		{UnitID: u.ID, Temperature: f64(46), RecordedAt: now.Add(-4 * time.Minute)},
	})
	require.NoError(t, err)
	got := loadUnit(t, db, u.ID)
	require.NotNil(t, got.BreachStartedAt)
	assert.True(t, got.BreachStartedAt.Equal(now.Add(-5*time.Minute)))

	_, err = svc.IngestReadings(ctx, "mqtt", []ReadingInput{
		{UnitID: u.ID, Temperature: f64(38), RecordedAt: now},
	})
	require.NoError(t, err)
	got = loadUnit(t, db, u.ID)
	assert.Nil(t, got.BreachStartedAt)
	assert.Nil(t, got.InRangeSince)
}
