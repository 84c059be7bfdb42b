// Package ingest records telemetry and manual temperature logs and keeps each
// unit's telemetry snapshot current.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coldeye/internal/metrics"
	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/monitor"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxClockSkew bounds how far in the future a recorded_at may lie.
const maxClockSkew = 5 * time.Minute

var (
	ErrUnitNotFound   = errors.New("unit not found")
	ErrInvalidReading = errors.New("invalid reading")
)

// ReadingInput is one telemetry sample as sent by a gateway.
type ReadingInput struct {
	UnitID         uint              `json:"unit_id"`
	Temperature    *float64          `json:"temperature"`
	Humidity       *float64          `json:"humidity,omitempty"`
	Battery        *float64          `json:"battery,omitempty"`
	SignalStrength *float64          `json:"signal_strength,omitempty"`
	DoorState      *models.DoorState `json:"door_state,omitempty"`
	RecordedAt     time.Time         `json:"recorded_at"`
	Source         string            `json:"source,omitempty"`
}

type Batch struct {
	Readings []ReadingInput `json:"readings"`
}

type Rejection struct {
	Index  int    `json:"index"`
	UnitID uint   `json:"unit_id"`
	Reason string `json:"reason"`
}

type Result struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// ManualLogInput is a temperature logged by staff.
type ManualLogInput struct {
	Temperature *float64  `json:"temperature"`
	RecordedAt  time.Time `json:"recorded_at"`
	Notes       string    `json:"notes,omitempty"`
}

// Observer tracks per-unit state derived from readings. It is handed every
// reading that advances the unit snapshot, in recorded order and before the
// snapshot moves, and may change the unit's tracking fields, which are
// stored with the snapshot.
type Observer interface {
	Observe(unit *models.Unit, r models.Reading) bool
}

type Service struct {
	db       *gorm.DB
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(db *gorm.DB, observer Observer, logger *zap.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:       db,
		observer: observer,
		logger:   logger.With(zap.String("component", "ingest")),
		now:      now,
	}
}

var _ Observer = (*monitor.ExcursionEvaluator)(nil)

func validDoor(d *models.DoorState) bool {
	if d == nil {
		return true
	}
	switch *d {
	case models.DoorOpen, models.DoorClosed, models.DoorUnknown:
		return true
	}
	return false
}

func (s *Service) validate(in ReadingInput, now time.Time) error {
	switch {
	case in.UnitID == 0:
		return fmt.Errorf("%w: unit_id is required", ErrInvalidReading)
	case in.Temperature == nil:
		return fmt.Errorf("%w: temperature is required", ErrInvalidReading)
	case math.IsNaN(*in.Temperature) || math.IsInf(*in.Temperature, 0):
		return fmt.Errorf("%w: temperature is not a number", ErrInvalidReading)
	case in.RecordedAt.After(now.Add(maxClockSkew)):
		return fmt.Errorf("%w: recorded_at is in the future", ErrInvalidReading)
	case !validDoor(in.DoorState):
		return fmt.Errorf("%w: unknown door_state %q", ErrInvalidReading, *in.DoorState)
	}
	return nil
}

// IngestReadings stores a batch. Invalid samples and samples for unknown
// units are rejected individually; the rest are stored per unit in one
// transaction each.
func (s *Service) IngestReadings(ctx context.Context, transport string, batch []ReadingInput) (Result, error) {
	now := s.now()
	var res Result
	byUnit := make(map[uint][]models.Reading)
	indexes := make(map[uint][]int)

	for i, in := range batch {
		if err := s.validate(in, now); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, UnitID: in.UnitID, Reason: err.Error()})
			continue
		}
		recorded := in.RecordedAt
		if recorded.IsZero() {
			recorded = now
		}
		source := in.Source
		if source == "" {
			source = transport
		}
		byUnit[in.UnitID] = append(byUnit[in.UnitID], models.Reading{
			UnitID:         in.UnitID,
			Temperature:    *in.Temperature,
			Humidity:       in.Humidity,
			Battery:        in.Battery,
			SignalStrength: in.SignalStrength,
			DoorState:      in.DoorState,
			RecordedAt:     recorded.UTC(),
			ReceivedAt:     now,
			Source:         source,
		})
		indexes[in.UnitID] = append(indexes[in.UnitID], i)
	}

	ids := make([]uint, 0, len(byUnit))
	for id := range byUnit {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		readings := byUnit[id]
		if err := s.store(ctx, id, readings); err != nil {
			if !errors.Is(err, ErrUnitNotFound) {
				return res, err
			}
			for _, i := range indexes[id] {
				res.Rejected = append(res.Rejected, Rejection{Index: i, UnitID: id, Reason: err.Error()})
			}
			continue
		}
		res.Accepted += len(readings)
	}

	sort.Slice(res.Rejected, func(i, j int) bool { return res.Rejected[i].Index < res.Rejected[j].Index })
	metrics.RecordReadings(transport, res.Accepted)
	if len(res.Rejected) > 0 {
		s.logger.Warn("rejected telemetry samples",
			zap.String("transport", transport),
			zap.Int("accepted", res.Accepted),
			zap.Int("rejected", len(res.Rejected)))
	}
	return res, nil
}

// store appends readings for one unit and advances its snapshot. Readings
// older than the snapshot are kept as history but do not move it back.
func (s *Service) store(ctx context.Context, unitID uint, readings []models.Reading) error {
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].RecordedAt.Before(readings[j].RecordedAt) })

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unit models.Unit
		if err := tx.First(&unit, unitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrUnitNotFound, unitID)
			}
			return fmt.Errorf("failed to load unit %d: %w", unitID, err)
		}
		if err := tx.Create(&readings).Error; err != nil {
			return fmt.Errorf("failed to store readings for unit %d: %w", unitID, err)
		}

		changed := false
		for _, r := range readings {
			if unit.LastReadingAt != nil && !r.RecordedAt.After(*unit.LastReadingAt) {
				continue
			}
			if s.observer != nil {
				s.observer.Observe(&unit, r)
			}
			applyReading(&unit, r)
			changed = true
		}
		if !changed {
			return nil
		}
		return tx.Model(&models.Unit{}).Where("id = ?", unitID).Updates(map[string]interface{}{
			"last_reading_at":   unit.LastReadingAt,
			"last_temperature":  unit.LastTemperature,
			"door_state":        unit.DoorState,
			"door_open_since":   unit.DoorOpenSince,
			"battery_level":     unit.BatteryLevel,
			"breach_started_at": unit.BreachStartedAt,
			"in_range_since":    unit.InRangeSince,
		}).Error
	})
}

func applyReading(u *models.Unit, r models.Reading) {
	at := r.RecordedAt
	temp := r.Temperature
	u.LastReadingAt = &at
	u.LastTemperature = &temp
	if r.Battery != nil {
		b := *r.Battery
		u.BatteryLevel = &b
	}
	if r.DoorState == nil {
		return
	}
	switch *r.DoorState {
	case models.DoorOpen:
		if u.DoorState != models.DoorOpen || u.DoorOpenSince == nil {
			u.DoorOpenSince = &at
		}
	default:
		u.DoorOpenSince = nil
	}
	u.DoorState = *r.DoorState
}

// LogManual records a manual temperature log and resets manual compliance
// for the unit.
func (s *Service) LogManual(ctx context.Context, unitID uint, in ManualLogInput) (*models.ManualLog, error) {
	if in.Temperature == nil || math.IsNaN(*in.Temperature) || math.IsInf(*in.Temperature, 0) {
		return nil, fmt.Errorf("%w: temperature is required", ErrInvalidReading)
	}
	now := s.now()
	recorded := in.RecordedAt
	if recorded.IsZero() {
		recorded = now
	}
	if recorded.After(now.Add(maxClockSkew)) {
		return nil, fmt.Errorf("%w: recorded_at is in the future", ErrInvalidReading)
	}
	log := &models.ManualLog{
		UnitID:      unitID,
		Temperature: *in.Temperature,
		RecordedAt:  recorded.UTC(),
		Notes:       in.Notes,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unit models.Unit
		if err := tx.Select("id", "last_manual_log_at").First(&unit, unitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrUnitNotFound, unitID)
			}
			return fmt.Errorf("failed to load unit %d: %w", unitID, err)
		}
		if err := tx.Create(log).Error; err != nil {
			return fmt.Errorf("failed to store manual log: %w", err)
		}
		if unit.LastManualLogAt != nil && !log.RecordedAt.After(*unit.LastManualLogAt) {
			return nil
		}
		return tx.Model(&models.Unit{}).Where("id = ?", unitID).
			Update("last_manual_log_at", log.RecordedAt).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordReadings("manual", 1)
	return log, nil
}

// Readings returns a unit's readings in [from, to), newest first.
func (s *Service) Readings(ctx context.Context, unitID uint, from, to time.Time, limit int) ([]models.Reading, error) {
	q := s.db.WithContext(ctx).Where("unit_id = ?", unitID)
	if !from.IsZero() {
		q = q.Where("recorded_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("recorded_at < ?", to)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []models.Reading
	if err := q.Order("recorded_at desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	return out, nil
}
