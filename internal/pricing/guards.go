/**
 * @description
 * Outlier and drop guards.
 * Pure predicates run before a resolved price is committed. A flagged price
 * becomes a pending candidate; two consecutive observations of the same
 * value are accepted regardless of guard status.
 *
 * @dependencies
 * - backend/internal/config
 * - backend/internal/models
 */

package pricing

import (
	"math"
	"time"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/models"
)

// Equality tolerance when matching a new observation against the pending
// candidate (prices go through float serialization round-trips).
const priceEpsilon = 0.009

// GuardVerdict is the combined guard decision for one resolved price
type GuardVerdict struct {
	Defer  bool
	Reason models.ErrorCode
}

// SamePrice reports whether two observations are the same price signal
func SamePrice(a, b float64) bool {
	return math.Abs(a-b) < priceEpsilon
}

// IsOutlier flags a change whose magnitude is implausible for a single read:
// percent delta above the threshold, or absolute delta above the absolute
// threshold.
func IsOutlier(oldPrice, newPrice float64, cfg config.GuardsConfig) bool {
	if oldPrice <= 0 {
		return false
	}
	delta := math.Abs(newPrice - oldPrice)
	if delta/oldPrice > cfg.OutlierPct {
		return true
	}
	return delta > cfg.OutlierAbs
}

// IsUntrustedDrop flags a drop coming from a non-authoritative source that
// exceeds the configured absolute or percentage threshold.
func IsUntrustedDrop(oldPrice, newPrice float64, source models.PriceSource, cfg config.GuardsConfig) bool {
	if source.Trusted() {
		return false
	}
	if oldPrice <= 0 || newPrice >= oldPrice {
		return false
	}
	drop := oldPrice - newPrice
	if drop > cfg.UntrustedDropAbs {
		return true
	}
	return drop/oldPrice > cfg.UntrustedDropPct
}

// InFreezeWindow reports whether the product was positively confirmed
// recently enough that any change should wait for confirmation.
func InFreezeWindow(lastConfirmedAt *time.Time, cfg config.GuardsConfig, now time.Time) bool {
	if lastConfirmedAt == nil || cfg.FreezeHours <= 0 {
		return false
	}
	return now.Sub(*lastConfirmedAt) < time.Duration(cfg.FreezeHours)*time.Hour
}

// Evaluate runs all guards for a resolved price against the product's
// committed price. confirmations is how many consecutive times this same
// candidate has already been observed (0 on first sight); once it reaches
// the configured count the candidate is accepted regardless of guard status
// — single-read noise is rejected, persistent signals are trusted.
func Evaluate(p *models.Product, newPrice float64, source models.PriceSource, confirmations int, cfg config.GuardsConfig, now time.Time) GuardVerdict {
	if confirmations >= cfg.ConfirmObservations-1 && confirmations > 0 {
		return GuardVerdict{}
	}

	oldPrice := p.Price
	if oldPrice <= 0 || SamePrice(oldPrice, newPrice) {
		return GuardVerdict{}
	}

	if IsOutlier(oldPrice, newPrice, cfg) {
		return GuardVerdict{Defer: true, Reason: models.ErrSuspectOutlier}
	}
	if IsUntrustedDrop(oldPrice, newPrice, source, cfg) {
		return GuardVerdict{Defer: true, Reason: models.ErrSuspectUntrustedDrop}
	}
	if InFreezeWindow(p.LastSyncAt, cfg, now) {
		return GuardVerdict{Defer: true, Reason: models.ErrSuspectFreeze}
	}

	return GuardVerdict{}
}
