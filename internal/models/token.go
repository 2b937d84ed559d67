/**
 * @description
 * APIToken database model.
 * Single persisted OAuth credential for the marketplace API, read at startup
 * and rewritten on every refresh.
 *
 * @dependencies
 * - gorm.io/gorm
 */

package models

import (
	"time"
)

// APIToken is the single-row OAuth credential for the marketplace API
type APIToken struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccessToken  string     `gorm:"column:access_token" json:"-"`
	RefreshToken string     `gorm:"column:refresh_token" json:"-"`
	ExpiresAt    *time.Time `gorm:"column:expires_at" json:"expires_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name used by APIToken to `api_tokens`
func (APIToken) TableName() string {
	return "api_tokens"
}

// Expired reports whether the access token is past its expiry at the given instant
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}
