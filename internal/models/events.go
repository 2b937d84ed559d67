/**
 * @description
 * Append-only audit models.
 * PriceChangeEvent records accepted price deltas; PriceAnomaly records
 * suspicious or ambiguous situations (guard deferrals, catalog/item
 * mismatches, stale scraper data, policy blocks).
 *
 * @dependencies
 * - gorm.io/gorm
 */

package models

import (
	"time"
)

// PriceChangeEvent is one accepted price move, written once per occurrence
type PriceChangeEvent struct {
	ID        uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProductID uint64      `gorm:"column:product_id;index:idx_price_changes_product_time" json:"product_id"`
	OldPrice  float64     `gorm:"column:old_price;type:decimal(12,2)" json:"old_price"`
	NewPrice  float64     `gorm:"column:new_price;type:decimal(12,2)" json:"new_price"`
	Source    PriceSource `gorm:"column:source;type:varchar(16)" json:"source"`
	RunID     string      `gorm:"column:run_id;type:uuid" json:"run_id"`
	CreatedAt time.Time   `gorm:"autoCreateTime;index:idx_price_changes_product_time" json:"created_at"`
}

// TableName overrides the table name used by PriceChangeEvent to `price_change_events`
func (PriceChangeEvent) TableName() string {
	return "price_change_events"
}

// IsDrop reports whether the event lowered the price
func (e *PriceChangeEvent) IsDrop() bool {
	return e.NewPrice < e.OldPrice
}

// AnomalyKind classifies a recorded anomaly
type AnomalyKind string

const (
	AnomalySuspectOutlier  AnomalyKind = "SUSPECT_OUTLIER"
	AnomalySuspectDrop     AnomalyKind = "SUSPECT_UNTRUSTED_DROP"
	AnomalyOfferBinding    AnomalyKind = "SUSPECT_OFFER_BINDING"
	AnomalyFreezeWindow    AnomalyKind = "FREEZE_WINDOW"
	AnomalyStaleScraper    AnomalyKind = "STALE_SCRAPER"
	AnomalyPolicyBlocked   AnomalyKind = "POLICY_BLOCKED"
	AnomalyCatalogMismatch AnomalyKind = "CATALOG_MISMATCH"
)

// PriceAnomaly is one suspicious observation, written once per occurrence
type PriceAnomaly struct {
	ID            uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProductID     uint64      `gorm:"column:product_id;index" json:"product_id"`
	Kind          AnomalyKind `gorm:"column:kind;type:varchar(32)" json:"kind"`
	StoredPrice   float64     `gorm:"column:stored_price;type:decimal(12,2)" json:"stored_price"`
	ObservedPrice float64     `gorm:"column:observed_price;type:decimal(12,2)" json:"observed_price"`
	Source        PriceSource `gorm:"column:source;type:varchar(16)" json:"source"`
	Detail        string      `gorm:"column:detail" json:"detail"`
	RunID         string      `gorm:"column:run_id;type:uuid" json:"run_id"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// TableName overrides the table name used by PriceAnomaly to `price_anomalies`
func (PriceAnomaly) TableName() string {
	return "price_anomalies"
}
