package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coldeye/internal/models"
	"gorm.io/gorm"
)

var ErrNoticeNotFound = errors.New("notice not found")

// Store persists deliveries, notices and in-app notifications.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) RecordDelivery(ctx context.Context, d *models.Delivery) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func (s *Store) Deliveries(ctx context.Context, alertID uint) ([]models.Delivery, error) {
	var out []models.Delivery
	if err := s.db.WithContext(ctx).Where("alert_id = ?", alertID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return out, nil
}

func (s *Store) CreateNotice(ctx context.Context, n *models.Notice) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notice: %w", err)
	}
	return nil
}

// Notices lists notices, newest first. Dismissed ones are included only when
// all is set.
func (s *Store) Notices(ctx context.Context, all bool) ([]models.Notice, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if !all {
		q = q.Where("dismissed_at IS NULL")
	}
	var out []models.Notice
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list notices: %w", err)
	}
	return out, nil
}

func (s *Store) DismissNotice(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Notice{}).
		Where("id = ? AND dismissed_at IS NULL", id).
		Update("dismissed_at", at)
	if res.Error != nil {
		return fmt.Errorf("failed to dismiss notice: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNoticeNotFound, id)
	}
	return nil
}

func (s *Store) AddInApp(ctx context.Context, items []models.InAppNotification) error {
	if len(items) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&items).Error; err != nil {
		return fmt.Errorf("failed to store in-app notifications: %w", err)
	}
	return nil
}

func (s *Store) Inbox(ctx context.Context, contactID uint, unreadOnly bool) ([]models.InAppNotification, error) {
	q := s.db.WithContext(ctx).Where("contact_id = ?", contactID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	var out []models.InAppNotification
	if err := q.Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	return out, nil
}
