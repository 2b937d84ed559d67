/**
 * @description
 * Product database model.
 * Maps to the 'products' table in PostgreSQL.
 * Created by catalog ingestion; mutated exclusively by the check orchestrator.
 *
 * @dependencies
 * - gorm.io/gorm
 */

package models

import (
	"time"
)

// PriceSource tags where a committed or candidate price came from
type PriceSource string

const (
	PriceSourceAPIBase    PriceSource = "API_BASE"
	PriceSourceAPIPix     PriceSource = "API_PIX"
	PriceSourceCatalog    PriceSource = "CATALOG"
	PriceSourceScraperPix PriceSource = "SCRAPER_PIX"
	PriceSourceScraper    PriceSource = "SCRAPER"
	PriceSourceHistory    PriceSource = "HISTORY"
)

// Trusted reports whether the source is authoritative enough to set
// promotional anchors and clear suspect markers.
func (s PriceSource) Trusted() bool {
	switch s {
	case PriceSourceAPIBase, PriceSourceAPIPix:
		return true
	}
	return false
}

// HealthStatus is the product's upstream visibility state
type HealthStatus string

const (
	HealthOK         HealthStatus = "OK"
	HealthNotFound   HealthStatus = "NOT_FOUND"
	HealthBlocked    HealthStatus = "BLOCKED"
	HealthUnverified HealthStatus = "UNVERIFIED"
)

// CatalogPriority is an optional priority supplied by the catalog ingestion side
type CatalogPriority string

const (
	CatalogPriorityHigh CatalogPriority = "HIGH"
	CatalogPriorityMed  CatalogPriority = "MED"
	CatalogPriorityLow  CatalogPriority = "LOW"
)

// Product represents a marketplace-linked catalog product being monitored
type Product struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string `gorm:"column:name" json:"name"`
	ExternalID      string `gorm:"column:external_id;uniqueIndex" json:"external_id"` // marketplace item id (e.g. MLB123...)
	PreferredItemID string `gorm:"column:preferred_item_id" json:"preferred_item_id"` // pinned item when the product is catalog-bound
	CatalogID       string `gorm:"column:catalog_id" json:"catalog_id"`
	CanonicalURL    string `gorm:"column:canonical_url" json:"canonical_url"`
	SourceURL       string `gorm:"column:source_url" json:"source_url"`

	Price         float64     `gorm:"column:price;type:decimal(12,2)" json:"price"`
	PriceSource   PriceSource `gorm:"column:price_source;type:varchar(16)" json:"price_source"`
	OriginalPrice *float64    `gorm:"column:original_price;type:decimal(12,2)" json:"original_price"`

	PixPrice       *float64    `gorm:"column:pix_price;type:decimal(12,2)" json:"pix_price"`
	PixPriceSource PriceSource `gorm:"column:pix_price_source;type:varchar(16)" json:"pix_price_source"`
	PixCheckedAt   *time.Time  `gorm:"column:pix_checked_at" json:"pix_checked_at"`

	// Promotional anchor: the price before the current promotion, kept only
	// for a short window so stale anchors cannot resurrect.
	PreviousPrice          *float64    `gorm:"column:previous_price;type:decimal(12,2)" json:"previous_price"`
	PreviousPriceSource    PriceSource `gorm:"column:previous_price_source;type:varchar(16)" json:"previous_price_source"`
	PreviousPriceExpiresAt *time.Time  `gorm:"column:previous_price_expires_at" json:"previous_price_expires_at"`

	Active             bool         `gorm:"column:active;default:true;index" json:"active"`
	OnSale             bool         `gorm:"column:on_sale;default:false" json:"on_sale"`
	Featured           bool         `gorm:"column:featured;default:false" json:"featured"`
	Clicks             int          `gorm:"column:clicks;default:0" json:"clicks"`
	HealthStatus       HealthStatus `gorm:"column:health_status;type:varchar(16);default:'UNVERIFIED'" json:"health_status"`
	AutoDisabledReason string       `gorm:"column:auto_disabled_reason" json:"auto_disabled_reason"`

	CatalogPriority *CatalogPriority `gorm:"column:catalog_priority;type:varchar(8)" json:"catalog_priority"`

	// Pending candidate: a price observed but not yet trusted enough to
	// commit, awaiting a second confirming read.
	PendingPrice  *float64    `gorm:"column:pending_price;type:decimal(12,2)" json:"pending_price"`
	PendingSource PriceSource `gorm:"column:pending_source;type:varchar(16)" json:"pending_source"`
	PendingCount  int         `gorm:"column:pending_count;default:0" json:"pending_count"`
	PendingAt     *time.Time  `gorm:"column:pending_at" json:"pending_at"`

	Etag        string     `gorm:"column:etag" json:"etag"`
	NextCheckAt *time.Time `gorm:"column:next_check_at;index" json:"next_check_at"`
	LastSyncAt  *time.Time `gorm:"column:last_sync_at" json:"last_sync_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name used by Product to `products`
func (Product) TableName() string {
	return "products"
}

// AgeAt returns how long the product has been in the catalog at a given instant
func (p *Product) AgeAt(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

/// ItemID returns the marketplace item to query: the pinned preferred item when
// present, otherwise the external id.
func (p *Product) ItemID() string {
	if p.PreferredItemID != "" {
		return p.PreferredItemID
	}
	return p.ExternalID
}
