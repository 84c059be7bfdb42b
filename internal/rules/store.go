package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coldeye/internal/models"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Bundle is the import/export document for configuration records.
type Bundle struct {
	Rules    []models.AlertRules         `json:"rules" yaml:"rules"`
	Policies []models.NotificationPolicy `json:"policies" yaml:"policies"`
	Contacts []models.Contact            `json:"contacts" yaml:"contacts"`
}

// ParseBundle decodes a YAML (or JSON) configuration bundle.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bundle) Validate() error {
	for i, r := range b.Rules {
		if err := validScope(r.Scope); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if r.ExpectedReadingIntervalSeconds != nil && *r.ExpectedReadingIntervalSeconds <= 0 {
			return fmt.Errorf("rules[%d]: expected_reading_interval_seconds must be positive", i)
		}
	}
	for i, p := range b.Policies {
		if err := validScope(p.Scope); err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
		if p.AlertType == "" {
			return fmt.Errorf("policies[%d]: alert_type is required", i)
		}
	}
	return nil
}

func validScope(s models.Scope) error {
	switch s {
	case models.ScopeOrganization, models.ScopeSite, models.ScopeUnit:
		return nil
	default:
		return fmt.Errorf("invalid scope %q", s)
	}
}

// Store reads and writes configuration records.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Snapshot loads every configuration record in one read transaction.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	var (
		rules    []models.AlertRules
		policies []models.NotificationPolicy
		contacts []models.Contact
		disabled []models.ChannelDisablement
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Find(&rules).Error; err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		if err := tx.Find(&policies).Error; err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		if err := tx.Find(&contacts).Error; err != nil {
			return fmt.Errorf("failed to load contacts: %w", err)
		}
		if err := tx.Find(&disabled).Error; err != nil {
			return fmt.Errorf("failed to load channel disablements: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewSnapshot(s.now(), rules, policies, contacts, disabled), nil
}

// AlertPolicy resolves the current policy and recipients for a persisted
// alert from a fresh snapshot.
func (s *Store) AlertPolicy(ctx context.Context, a models.Alert) (EffectivePolicy, []models.Contact, error) {
	var unit models.Unit
	if err := s.db.WithContext(ctx).First(&unit, a.UnitID).Error; err != nil {
		return EffectivePolicy{}, nil, fmt.Errorf("failed to load unit %d: %w", a.UnitID, err)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return EffectivePolicy{}, nil, err
	}
	p := snap.ResolvePolicy(&unit, a.Type)
	return p, snap.Recipients(&unit, p), nil
}

func (s *Store) UpsertRules(ctx context.Context, r *models.AlertRules) error {
	if err := validScope(r.Scope); err != nil {
		return err
	}
	var existing models.AlertRules
	err := s.db.WithContext(ctx).Where("scope = ? AND scope_id = ?", r.Scope, r.ScopeID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(r).Error
	case err != nil:
		return err
	}
	r.ID = existing.ID
	r.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(r).Error
}

func (s *Store) UpsertPolicy(ctx context.Context, p *models.NotificationPolicy) error {
	if err := validScope(p.Scope); err != nil {
		return err
	}
	var existing models.NotificationPolicy
	err := s.db.WithContext(ctx).Where("scope = ? AND scope_id = ? AND alert_type = ?", p.Scope, p.ScopeID, p.AlertType).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(p).Error
	case err != nil:
		return err
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *Store) UpsertContact(ctx context.Context, c *models.Contact) error {
	var existing models.Contact
	err := s.db.WithContext(ctx).Where("organization_id = ? AND name = ?", c.OrganizationID, c.Name).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(c).Error
	case err != nil:
		return err
	}
	c.ID = existing.ID
	c.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(c).Error
}

// DeleteRules removes the override at one scope.
func (s *Store) DeleteRules(ctx context.Context, scope models.Scope, scopeID uint) error {
	return s.db.WithContext(ctx).Where("scope = ? AND scope_id = ?", scope, scopeID).Delete(&models.AlertRules{}).Error
}

// DisableChannel switches ch off for the policy identified by policyKey. It is
// idempotent.
func (s *Store) DisableChannel(ctx context.Context, policyKey string, ch models.Channel, reason string) error {
	d := models.ChannelDisablement{PolicyKey: policyKey, Channel: ch, Reason: reason}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&d).Error
}

// EnableChannel removes a disablement.
func (s *Store) EnableChannel(ctx context.Context, policyKey string, ch models.Channel) error {
	return s.db.WithContext(ctx).Unscoped().
		Where("policy_key = ? AND channel = ?", policyKey, ch).
		Delete(&models.ChannelDisablement{}).Error
}

// ImportBundle upserts every record of b in one transaction.
func (s *Store) ImportBundle(ctx context.Context, b *Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &Store{db: tx, now: s.now}
		for i := range b.Rules {
			r := b.Rules[i]
			r.ID = 0
			if err := txStore.UpsertRules(ctx, &r); err != nil {
				return fmt.Errorf("failed to import rules for %s %d: %w", r.Scope, r.ScopeID, err)
			}
		}
		for i := range b.Policies {
			p := b.Policies[i]
			p.ID = 0
			if err := txStore.UpsertPolicy(ctx, &p); err != nil {
				return fmt.Errorf("failed to import %s policy for %s %d: %w", p.AlertType, p.Scope, p.ScopeID, err)
			}
		}
		for i := range b.Contacts {
			c := b.Contacts[i]
			c.ID = 0
			if err := txStore.UpsertContact(ctx, &c); err != nil {
				return fmt.Errorf("failed to import contact %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) ExportBundle(ctx context.Context) (*Bundle, error) {
	var b Bundle
	if err := s.db.WithContext(ctx).Order("scope, scope_id").Find(&b.Rules).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch rules: %w", err)
	}
	if err := s.db.WithContext(ctx).Order("scope, scope_id, alert_type").Find(&b.Policies).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch policies: %w", err)
	}
	if err := s.db.WithContext(ctx).Order("organization_id, name").Find(&b.Contacts).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch contacts: %w", err)
	}
	return &b, nil
}

// YAML renders the bundle for the CLI export command.
func (b *Bundle) YAML() ([]byte, error) {
	return yaml.Marshal(b)
}
