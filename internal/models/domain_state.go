/**
 * @description
 * DomainState database model.
 * One row per upstream domain, owned exclusively by the domain gate
 * (rate limiter + circuit breaker).
 *
 * @dependencies
 * - gorm.io/gorm
 */

package models

import (
	"time"
)

// DomainState tracks request cadence and failure streaks for one upstream domain
type DomainState struct {
	Domain            string     `gorm:"column:domain;primaryKey" json:"domain"`
	LastRequestAt     *time.Time `gorm:"column:last_request_at" json:"last_request_at"`
	ConsecutiveErrors int        `gorm:"column:consecutive_errors;default:0" json:"consecutive_errors"`
	CircuitOpenUntil  *time.Time `gorm:"column:circuit_open_until" json:"circuit_open_until"`
	LastStatusCode    int        `gorm:"column:last_status_code;default:0" json:"last_status_code"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name used by DomainState to `domain_states`
func (DomainState) TableName() string {
	return "domain_states"
}

// CircuitOpen reports whether the circuit is open at the given instant
func (d *DomainState) CircuitOpen(now time.Time) bool {
	return d.CircuitOpenUntil != nil && now.Before(*d.CircuitOpenUntil)
}
