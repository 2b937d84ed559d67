/**
 * @description
 * Price signal resolver.
 * Merges price evidence from the authoritative API (base + pix breakdown)
 * and the scraped fallback into one final price with a provenance tag.
 * The companion original-price routine bounds how far a promotional anchor
 * may sit above the final price.
 *
 * @dependencies
 * - backend/internal/config
 * - backend/internal/models
 */

package pricing

import (
	"math"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/models"
)

// Signals is the raw price evidence collected for one product
type Signals struct {
	APIBase    *float64 // authoritative listed price
	APIPix     *float64 // alternate-payment price from the prices endpoint
	Scraped    *float64 // standard price recovered from the page
	ScrapedPix *float64 // explicit pix price recovered from the page
}

// Resolution is the resolver outcome
type Resolution struct {
	Price  float64
	Source models.PriceSource

	// ScraperRejected is set when a scraped price was discarded as
	// implausible relative to the API price (stale list price or too cheap);
	// the orchestrator records it as an anomaly.
	ScraperRejected bool
}

// Resolve picks one final price from the collected signals.
//
// Precedence: a positive pix price strictly below the base wins; else the
// positive API base; else the scraped price — unless strict mode is on and
// no API evidence confirms it. A scraped price that disagrees with the API
// by more than the configured ratio band is rejected outright.
func Resolve(sig Signals, cfg config.ResolverConfig) (Resolution, bool) {
	base := positive(sig.APIBase)
	pix := positive(sig.APIPix)
	scraped := positive(sig.Scraped)
	scrapedPix := positive(sig.ScrapedPix)

	if base != nil && pix != nil && *pix < *base {
		return Resolution{Price: *pix, Source: models.PriceSourceAPIPix}, true
	}

	if base != nil {
		res := Resolution{Price: *base, Source: models.PriceSourceAPIBase}

		// With no pix breakdown from the API, the page may still advertise
		// one. It only counts when it's a genuine discount off the API price
		// and sits inside the plausibility band; anything else is noise or a
		// stale render of the page.
		if pix == nil {
			candidate := scrapedPix
			if candidate == nil {
				candidate = scraped
			}
			if candidate != nil {
				if !withinBand(*candidate, *base, cfg) {
					res.ScraperRejected = true
				} else if genuineDiscount(*candidate, *base, cfg) {
					res.Price = *candidate
					res.Source = models.PriceSourceScraperPix
				}
			}
		}
		return res, true
	}

	// No API evidence at all: the scraper is the only witness.
	if scraped != nil || scrapedPix != nil {
		if !cfg.AllowScraperOnly {
			return Resolution{ScraperRejected: true}, false
		}
		var price float64
		source := models.PriceSourceScraper
		if scraped != nil {
			price = *scraped
		}
		if scrapedPix != nil && (scraped == nil || *scrapedPix < *scraped) {
			price = *scrapedPix
			source = models.PriceSourceScraperPix
		}
		return Resolution{Price: price, Source: source}, true
	}

	return Resolution{}, false
}

// ResolveOriginalPrice decides whether a candidate original (pre-promotion)
// price may be stored next to the final price. Only trusted sources may set
// it, and only when it exceeds the final price by a bounded discount ratio
// and a bounded multiple — stale anchors never resurrect after a promotion
// ends.
func ResolveOriginalPrice(candidate *float64, final float64, source models.PriceSource, cfg config.ResolverConfig) *float64 {
	if candidate == nil || *candidate <= 0 || final <= 0 {
		return nil
	}
	if !source.Trusted() {
		return nil
	}
	if *candidate <= final {
		return nil
	}
	if *candidate/final > cfg.OriginalMaxMultiple {
		return nil
	}
	discount := (*candidate - final) / *candidate
	if discount > cfg.OriginalMaxDiscount {
		return nil
	}
	return candidate
}

func positive(v *float64) *float64 {
	if v == nil || *v <= 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func withinBand(scraped, base float64, cfg config.ResolverConfig) bool {
	ratio := scraped / base
	return ratio >= cfg.ScraperRatioLow && ratio <= cfg.ScraperRatioHigh
}

// genuineDiscount requires the scraped pix price to undercut the base by the
// configured absolute or percentage minimum, guarding against rounding and
// render noise being read as a promotion.
func genuineDiscount(candidate, base float64, cfg config.ResolverConfig) bool {
	if candidate >= base {
		return false
	}
	delta := base - candidate
	if delta >= cfg.MinPixDiscountAbs {
		return true
	}
	return delta/base >= cfg.MinPixDiscountPct
}
