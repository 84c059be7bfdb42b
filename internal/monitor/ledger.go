package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coldeye/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// dayLayout keys mask usage by the unit's local calendar day.
const dayLayout = "2006-01-02"

// MaskLedger records how much door-open excursion time has been suppressed
// per unit per local day.
type MaskLedger interface {
	Used(ctx context.Context, unitID uint, day string) (time.Duration, error)
	Charge(ctx context.Context, unitID uint, day string, d time.Duration) error
	Prune(ctx context.Context, before string) (int64, error)
}

// DayKey returns the ledger key for t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Used(ctx context.Context, unitID uint, day string) (time.Duration, error) {
	var usage models.DoorMaskUsage
	err := l.db.WithContext(ctx).
		Where("unit_id = ? AND day = ?", unitID, day).
		Limit(1).
		Find(&usage).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read mask usage: %w", err)
	}
	return time.Duration(usage.MaskedSeconds) * time.Second, nil
}

func (l *GormLedger) Charge(ctx context.Context, unitID uint, day string, d time.Duration) error {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return nil
	}
	row := models.DoorMaskUsage{UnitID: unitID, Day: day, MaskedSeconds: secs, UpdatedAt: time.Now()}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "unit_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"masked_seconds": gorm.Expr("masked_seconds + ?", secs),
			"updated_at":     row.UpdatedAt,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to charge mask usage: %w", err)
	}
	return nil
}

// Prune removes rows for days strictly before the given day key.
func (l *GormLedger) Prune(ctx context.Context, before string) (int64, error) {
	res := l.db.WithContext(ctx).Where("day < ?", before).Delete(&models.DoorMaskUsage{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune mask usage: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type memKey struct {
	unitID uint
	day    string
}

// MemoryLedger keeps mask usage in process memory.
type MemoryLedger struct {
	mu    sync.Mutex
	usage map[memKey]time.Duration
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{usage: make(map[memKey]time.Duration)}
}

func (l *MemoryLedger) Used(_ context.Context, unitID uint, day string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage[memKey{unitID, day}], nil
}

func (l *MemoryLedger) Charge(_ context.Context, unitID uint, day string, d time.Duration) error {
	d = d.Truncate(time.Second)
	if d <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage[memKey{unitID, day}] += d
	return nil
}

func (l *MemoryLedger) Prune(_ context.Context, before string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k := range l.usage {
		if k.day < before {
			delete(l.usage, k)
			n++
		}
	}
	return n, nil
}
