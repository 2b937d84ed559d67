/**
 * @description
 * Priority/TTL scheduling policy.
 * Pure function mapping a product's signals to a check priority and a
 * recheck TTL. No I/O; all thresholds come from config so the rules are
 * testable in isolation.
 *
 * @dependencies
 * - backend/internal/config
 * - backend/internal/models
 */

package pricing

import (
	"regexp"
	"time"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/models"
)

var (
	// Fast-moving categories: consumables that churn price daily.
	reFastMoving = regexp.MustCompile(`(?i)\b(whey|creatina|suplemento|fralda|ração|racao|perfume|cápsula|capsula|vitamina)\b`)

	// High-volatility names: consumer electronics whose offers flip within
	// hours. Matching products keep HIGH priority but get a shorter TTL.
	reVolatile = regexp.MustCompile(`(?i)\b(iphone|galaxy|xiaomi|redmi|playstation|ps5|xbox|notebook|macbook|smart\s?tv|rtx|geforce|airpods|echo dot|alexa)\b`)
)

// Schedule is the policy output for one product
type Schedule struct {
	Priority   models.CheckPriority
	TTLMinutes int
}

// NextCheckAt applies the TTL to a reference instant
func (s Schedule) NextCheckAt(now time.Time) time.Time {
	return now.Add(time.Duration(s.TTLMinutes) * time.Minute)
}

// ComputeSchedule resolves a product's check priority and TTL.
//
// Precedence: (1) new/featured/popular/fast-moving/on-sale products are HIGH;
// (2) otherwise an explicit catalog priority is honored; (3) otherwise MED.
// A high-volatility name can shrink HIGH's TTL further, never lengthen it.
func ComputeSchedule(p *models.Product, cfg config.PolicyConfig, now time.Time) Schedule {
	priority := models.PriorityMed

	switch {
	case p.AgeAt(now) <= time.Duration(cfg.NewProductHours)*time.Hour:
		priority = models.PriorityHigh
	case p.Featured:
		priority = models.PriorityHigh
	case p.Clicks > cfg.HighClickThreshold:
		priority = models.PriorityHigh
	case reFastMoving.MatchString(p.Name):
		priority = models.PriorityHigh
	case p.OnSale || hasActiveDiscount(p, now):
		priority = models.PriorityHigh
	default:
		if p.CatalogPriority != nil {
			switch *p.CatalogPriority {
			case models.CatalogPriorityHigh:
				priority = models.PriorityHigh
			case models.CatalogPriorityMed:
				priority = models.PriorityMed
			case models.CatalogPriorityLow:
				priority = models.PriorityLow
			}
		}
	}

	ttl := ttlFor(priority, cfg)
	if priority == models.PriorityHigh && reVolatile.MatchString(p.Name) && cfg.TTLVolatileMinutes > 0 && cfg.TTLVolatileMinutes < ttl {
		ttl = cfg.TTLVolatileMinutes
	}

	return Schedule{Priority: priority, TTLMinutes: ttl}
}

func ttlFor(priority models.CheckPriority, cfg config.PolicyConfig) int {
	switch priority {
	case models.PriorityHigh:
		return cfg.TTLHighMinutes
	case models.PriorityLow:
		return cfg.TTLLowMinutes
	default:
		return cfg.TTLMedMinutes
	}
}

// hasActiveDiscount reports whether the product carries a live promotional
// anchor (previous price still within its expiry window and above the
// current price).
func hasActiveDiscount(p *models.Product, now time.Time) bool {
	if p.PreviousPrice == nil || *p.PreviousPrice <= p.Price {
		return false
	}
	if p.PreviousPriceExpiresAt != nil && now.After(*p.PreviousPriceExpiresAt) {
		return false
	}
	return true
}
