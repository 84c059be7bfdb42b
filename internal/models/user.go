package models

import (
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Can reports whether the role may perform action. Roles are issued by the
// identity provider; this is only the coarse gate applied by the API.
func (r Role) Can(action string) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action != "manage_config"
	case RoleViewer:
		return action == "view_units" || action == "view_alerts"
	default:
		return false
	}
}

// IngestKey authenticates a gateway posting telemetry. Only the bcrypt hash is
// stored; keys are provisioned by the device onboarding flow.
type IngestKey struct {
	gorm.Model
	Name       string     `json:"name" gorm:"uniqueIndex;not null"`
	Prefix     string     `json:"prefix" gorm:"index;size:8"`
	Hash       string     `json:"-" gorm:"not null"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

const ingestKeyPrefixLen = 8

// SetSecret hashes secret and records its lookup prefix.
func (k *IngestKey) SetSecret(secret string) error {
	if len(secret) < ingestKeyPrefixLen*2 {
		return errors.New("ingest key too short")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	k.Prefix = secret[:ingestKeyPrefixLen]
	k.Hash = string(hashed)
	return nil
}

func (k *IngestKey) CheckSecret(secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(secret)) == nil
}

// IngestKeyPrefix returns the lookup prefix of a presented key.
func IngestKeyPrefix(secret string) string {
	if len(secret) < ingestKeyPrefixLen {
		return secret
	}
	return secret[:ingestKeyPrefixLen]
}
