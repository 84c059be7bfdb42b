package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coldeye/internal/events"
	"github.com/coldeye/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert transition")
)

// SystemActor is recorded when the engine resolves an alert on its own.
const SystemActor = "system"

// Handler owns the persisted alert lifecycle.
type Handler struct {
	db     *gorm.DB
	bus    events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewHandler(db *gorm.DB, bus events.Publisher, logger *zap.Logger, now func() time.Time) *Handler {
	if bus == nil {
		bus = events.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Handler{
		db:     db,
		bus:    bus,
		logger: logger.With(zap.String("component", "alert_handler")),
		now:    now,
	}
}

// SyncResult lists what a Sync changed.
// Open holds every alert of the unit still awaiting acknowledgment after the
// sync, including the newly opened ones. Suppressed holds the unit's alerts
// whose condition is currently suppressed; they are not in Open.
type SyncResult struct {
	Opened     []models.Alert
	Changed    []models.Alert
	Cleared    []models.Alert
	Open       []models.Alert
	Suppressed []models.Alert
}

// Sync reconciles a unit's persisted alerts with its freshly computed ones:
// new conditions create alerts, existing ones are updated in place and alerts
// whose condition disappeared are resolved. Suppressed conditions keep an
// existing alert alive but never open a new one.
//
// Entering or leaving suppression bumps the alert's generation, which turns
// every escalation action armed for the previous generation stale.
func (h *Handler) Sync(ctx context.Context, unitID uint, computed []models.ComputedAlert) (SyncResult, error) {
	var res SyncResult
	now := h.now()

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active []models.Alert
		if err := tx.Where("unit_id = ? AND status <> ?", unitID, models.AlertStatusResolved).
			Find(&active).Error; err != nil {
			return fmt.Errorf("failed to load active alerts: %w", err)
		}
		byType := make(map[models.AlertType]*models.Alert, len(active))
		for i := range active {
			byType[active[i].Type] = &active[i]
		}

		seen := make(map[models.AlertType]bool, len(computed))
		for _, c := range computed {
			if c.UnitID != unitID {
				continue
			}
			existing, ok := byType[c.Type]
			if !ok {
				if c.Suppressed {
					continue
				}
				a := models.Alert{
					UnitID:      unitID,
					UnitName:    c.UnitName,
					SiteID:      c.SiteID,
					Type:        c.Type,
					Severity:    c.Severity,
					Title:       c.Title,
					Message:     c.Message,
					Status:      models.AlertStatusTriggered,
					Metric:      c.Metric,
					Value:       c.Value,
					Threshold:   c.Threshold,
					Condition:   c.Condition,
					Generation:  1,
					TriggeredAt: now,
				}
				if err := tx.Create(&a).Error; err != nil {
					return fmt.Errorf("failed to create alert: %w", err)
				}
				seen[c.Type] = true
				res.Opened = append(res.Opened, a)
				res.Open = append(res.Open, a)
				continue
			}

			seen[c.Type] = true
			changed := existing.Severity != c.Severity
			toggled := existing.Suppressed != c.Suppressed
			if !changed && !toggled && existing.Message == c.Message && existing.Title == c.Title {
				continue
			}
			existing.Severity = c.Severity
			existing.Title = c.Title
			existing.Message = c.Message
			existing.Metric = c.Metric
			existing.Value = c.Value
			existing.Threshold = c.Threshold
			existing.Condition = c.Condition
			updates := map[string]interface{}{
				"severity":  existing.Severity,
				"title":     existing.Title,
				"message":   existing.Message,
				"metric":    existing.Metric,
				"value":     existing.Value,
				"threshold": existing.Threshold,
				"condition": existing.Condition,
			}
			if toggled {
				existing.Suppressed = c.Suppressed
				existing.Generation++
				updates["suppressed"] = c.Suppressed
				updates["generation"] = gorm.Expr("generation + 1")
			}
			if err := tx.Model(existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update alert %d: %w", existing.ID, err)
			}
			if changed || toggled {
				res.Changed = append(res.Changed, *existing)
			}
		}

		for i := range active {
			a := &active[i]
			if seen[a.Type] {
				switch {
				case a.Suppressed:
					res.Suppressed = append(res.Suppressed, *a)
				case a.Status.Open():
					res.Open = append(res.Open, *a)
				}
				continue
			}
			if err := resolveTx(tx, a, SystemActor, now); err != nil {
				return err
			}
			res.Cleared = append(res.Cleared, *a)
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}

	for _, a := range res.Opened {
		h.publish(events.AlertTriggered, a)
	}
	for _, a := range res.Changed {
		h.publish(events.AlertUpdated, a)
	}
	for _, a := range res.Cleared {
		h.publish(events.AlertResolved, a)
	}
	return res, nil
}

// Acknowledge stops escalation for an open alert.
func (h *Handler) Acknowledge(ctx context.Context, id uint, by string) (*models.Alert, error) {
	now := h.now()
	a, err := h.transition(ctx, id, func(tx *gorm.DB, a *models.Alert) error {
		if !a.Status.Open() {
			return fmt.Errorf("%w: alert %d is %s", ErrInvalidTransition, a.ID, a.Status)
		}
		res := tx.Model(a).
			Where("generation = ?", a.Generation).
			Updates(map[string]interface{}{
				"status":          models.AlertStatusAcknowledged,
				"acknowledged_by": by,
				"acknowledged_at": now,
				"generation":      gorm.Expr("generation + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to acknowledge alert %d: %w", a.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: alert %d changed concurrently", ErrInvalidTransition, a.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("alert acknowledged", zap.Uint("alert_id", a.ID), zap.String("by", by))
	h.publish(events.AlertAcknowledged, *a)
	return a, nil
}

// Resolve closes an alert. Resolving an acknowledged alert is allowed.
func (h *Handler) Resolve(ctx context.Context, id uint, by string) (*models.Alert, error) {
	now := h.now()
	a, err := h.transition(ctx, id, func(tx *gorm.DB, a *models.Alert) error {
		if !a.Status.Active() {
			return fmt.Errorf("%w: alert %d is already resolved", ErrInvalidTransition, a.ID)
		}
		return resolveTx(tx, a, by, now)
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("alert resolved", zap.Uint("alert_id", a.ID), zap.String("by", by))
	h.publish(events.AlertResolved, *a)
	return a, nil
}

func resolveTx(tx *gorm.DB, a *models.Alert, by string, now time.Time) error {
	err := tx.Model(a).Updates(map[string]interface{}{
		"status":      models.AlertStatusResolved,
		"resolved_by": by,
		"resolved_at": now,
		"generation":  gorm.Expr("generation + 1"),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to resolve alert %d: %w", a.ID, err)
	}
	a.Status = models.AlertStatusResolved
	a.ResolvedBy = by
	a.ResolvedAt = &now
	a.Generation++
	return nil
}

func (h *Handler) transition(ctx context.Context, id uint, apply func(tx *gorm.DB, a *models.Alert) error) (*models.Alert, error) {
	var a models.Alert
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&a, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrAlertNotFound, id)
			}
			return fmt.Errorf("failed to load alert %d: %w", id, err)
		}
		if err := apply(tx, &a); err != nil {
			return err
		}
		return tx.First(&a, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

var closedStatuses = []models.AlertStatus{models.AlertStatusAcknowledged, models.AlertStatusResolved}

// MarkNotified records a dispatch made for the given generation. It reports
// false when the alert has moved on, in which case nothing is written.
// Sent never overwrites a delivery outcome already recorded.
func (h *Handler) MarkNotified(ctx context.Context, id uint, generation uint64, status models.AlertStatus, level int) (bool, error) {
	now := h.now()
	updates := map[string]interface{}{
		"status":           status,
		"last_notified_at": now,
	}
	if level > 0 {
		updates["escalation_level"] = level
	}
	q := h.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ? AND generation = ? AND status NOT IN ?", id, generation, closedStatuses)
	if status == models.AlertStatusSent {
		q = q.Where("status IN ?", []models.AlertStatus{models.AlertStatusTriggered, models.AlertStatusSent})
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark alert %d notified: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	evt := events.AlertSent
	switch status {
	case models.AlertStatusEscalated:
		evt = events.AlertEscalated
	case models.AlertStatusFailed:
		evt = events.AlertFailed
	}
	h.bus.Publish(events.Event{
		Type:    evt,
		AlertID: id,
		Summary: fmt.Sprintf("alert %d %s", id, status),
		Detail:  map[string]interface{}{"status": status, "escalation_level": level},
	})
	return true, nil
}

// ClaimNotification reserves one notification of an open alert at the given
// generation so that only one caller dispatches it, also across processes.
// Level 0 is the initial notification and can be claimed once. A higher
// level is an escalation step, claimable once it exceeds the recorded level.
// With a positive repeatAfter it is a reminder at the recorded level,
// claimable once the last notification is at least repeatAfter old.
func (h *Handler) ClaimNotification(ctx context.Context, id uint, generation uint64, level int, repeatAfter time.Duration) (bool, error) {
	now := h.now()
	updates := map[string]interface{}{"last_notified_at": now}
	q := h.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ? AND generation = ? AND status NOT IN ?", id, generation, closedStatuses)
	switch {
	case level == 0:
		q = q.Where("last_notified_at IS NULL")
	case repeatAfter > 0:
		q = q.Where("escalation_level = ? AND last_notified_at <= ?", level, now.Add(-repeatAfter))
	default:
		q = q.Where("escalation_level < ?", level)
		updates["escalation_level"] = level
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim notification for alert %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Get loads one alert.
func (h *Handler) Get(ctx context.Context, id uint) (*models.Alert, error) {
	var a models.Alert
	if err := h.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrAlertNotFound, id)
		}
		return nil, fmt.Errorf("failed to load alert %d: %w", id, err)
	}
	return &a, nil
}

// Current reports whether id is still at generation and open, i.e. whether
// an escalation action scheduled for that generation may run.
func (h *Handler) Current(ctx context.Context, id uint, generation uint64) (bool, error) {
	a, err := h.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Generation == generation && a.Status.Open(), nil
}

type ListFilter struct {
	UnitID *uint
	Status models.AlertStatus
	Active bool
	Limit  int
}

func (h *Handler) List(ctx context.Context, f ListFilter) ([]models.Alert, error) {
	q := h.db.WithContext(ctx).Model(&models.Alert{})
	if f.UnitID != nil {
		q = q.Where("unit_id = ?", *f.UnitID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Active {
		q = q.Where("status <> ?", models.AlertStatusResolved)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var alerts []models.Alert
	if err := q.Order("triggered_at DESC, id DESC").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

func (h *Handler) publish(t events.Type, a models.Alert) {
	h.bus.Publish(events.Event{
		Type:    t,
		UnitID:  a.UnitID,
		AlertID: a.ID,
		Summary: fmt.Sprintf("%s: %s", a.UnitName, a.Title),
		Detail:  a,
	})
}
