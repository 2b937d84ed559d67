package pricing

import (
	"testing"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/models"
)

func resolverConfig() config.ResolverConfig {
	return config.ResolverConfig{
		ScraperRatioLow:     0.5,
		ScraperRatioHigh:    1.5,
		MinPixDiscountAbs:   2.0,
		MinPixDiscountPct:   0.03,
		AllowScraperOnly:    false,
		OriginalMaxDiscount: 0.9,
		OriginalMaxMultiple: 10,
	}
}

func fp(v float64) *float64 { return &v }

func TestResolvePixBeatsBase(t *testing.T) {
	res, ok := Resolve(Signals{APIBase: fp(78.90), APIPix: fp(69.90), Scraped: fp(79.00)}, resolverConfig())

	if !ok {
		t.Fatal("expected a resolved price")
	}
	if res.Price != 69.90 || res.Source != models.PriceSourceAPIPix {
		t.Fatalf("expected 69.90 from pix, got %.2f from %s", res.Price, res.Source)
	}
}

func TestResolveScrapedNoiseIgnored(t *testing.T) {
	// 77.40 against a 78.90 base is under both discount minimums: noise, not
	// a promotion.
	res, ok := Resolve(Signals{APIBase: fp(78.90), Scraped: fp(77.40)}, resolverConfig())

	if !ok {
		t.Fatal("expected a resolved price")
	}
	if res.Price != 78.90 || res.Source != models.PriceSourceAPIBase {
		t.Fatalf("expected base 78.90, got %.2f from %s", res.Price, res.Source)
	}
	if res.ScraperRejected {
		t.Fatal("in-band scraped price must not be flagged")
	}
}

func TestResolveScrapedPixDiscountAccepted(t *testing.T) {
	res, ok := Resolve(Signals{APIBase: fp(100.00), ScrapedPix: fp(92.00)}, resolverConfig())

	if !ok {
		t.Fatal("expected a resolved price")
	}
	if res.Price != 92.00 || res.Source != models.PriceSourceScraperPix {
		t.Fatalf("expected scraped pix 92.00, got %.2f from %s", res.Price, res.Source)
	}
}

func TestResolveStaleScrapedRejected(t *testing.T) {
	res, ok := Resolve(Signals{APIBase: fp(68.90), Scraped: fp(239.90)}, resolverConfig())

	if !ok {
		t.Fatal("expected a resolved price")
	}
	if res.Price != 68.90 || res.Source != models.PriceSourceAPIBase {
		t.Fatalf("expected base 68.90, got %.2f from %s", res.Price, res.Source)
	}
	if !res.ScraperRejected {
		t.Fatal("out-of-band scraped price must be flagged")
	}
}

func TestResolveScraperOnlyStrictMode(t *testing.T) {
	res, ok := Resolve(Signals{Scraped: fp(78.90)}, resolverConfig())

	if ok {
		t.Fatalf("strict mode must reject a scraper-only price, got %.2f", res.Price)
	}
	if !res.ScraperRejected {
		t.Fatal("expected the rejection to be flagged")
	}
}

func TestResolveScraperOnlyRelaxedMode(t *testing.T) {
	cfg := resolverConfig()
	cfg.AllowScraperOnly = true

	res, ok := Resolve(Signals{Scraped: fp(78.90), ScrapedPix: fp(74.90)}, cfg)

	if !ok {
		t.Fatal("relaxed mode should accept the scraper price")
	}
	if res.Price != 74.90 || res.Source != models.PriceSourceScraperPix {
		t.Fatalf("expected cheapest scraped price, got %.2f from %s", res.Price, res.Source)
	}
}

func TestResolveNoSignals(t *testing.T) {
	if _, ok := Resolve(Signals{}, resolverConfig()); ok {
		t.Fatal("no signals must not resolve")
	}
}

func TestResolveIgnoresNonPositive(t *testing.T) {
	res, ok := Resolve(Signals{APIBase: fp(0), APIPix: fp(-5), Scraped: fp(78.90)}, resolverConfig())

	if ok {
		t.Fatalf("zero base must not count as API evidence, got %.2f from %s", res.Price, res.Source)
	}
}

func TestResolveOriginalPriceBounds(t *testing.T) {
	cfg := resolverConfig()

	if got := ResolveOriginalPrice(fp(199.90), 149.90, models.PriceSourceAPIBase, cfg); got == nil || *got != 199.90 {
		t.Fatalf("plausible anchor rejected: %v", got)
	}
	if got := ResolveOriginalPrice(fp(199.90), 149.90, models.PriceSourceScraper, cfg); got != nil {
		t.Fatal("untrusted source must not set an original price")
	}
	if got := ResolveOriginalPrice(fp(149.90), 149.90, models.PriceSourceAPIBase, cfg); got != nil {
		t.Fatal("anchor equal to the final price must be dropped")
	}
	if got := ResolveOriginalPrice(fp(2500.00), 100.00, models.PriceSourceAPIBase, cfg); got != nil {
		t.Fatal("anchor beyond the multiple bound must be dropped")
	}
}
