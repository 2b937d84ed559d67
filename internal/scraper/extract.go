/**
 * @description
 * Price-extraction strategies for marketplace product pages.
 * Strategies run in order; the first one that yields a plausible signal wins.
 * Order matters: structured markup first, explicit pix/standard phrase pairs
 * next, split fraction/cents markers, then the generic currency token with
 * contextual exclusion as a last resort.
 *
 * @dependencies
 * - github.com/PuerkitoBio/goquery
 * - regexp
 */

package scraper

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageSignal is what extraction yields from one product page
type PageSignal struct {
	Price    float64  // the standard listed price
	PixPrice *float64 // explicit instant-payment price when the page advertises one
}

// Page is a fetched product page. Doc is nil when only text was recovered
// (text-extraction proxy fallback).
type Page struct {
	Doc  *goquery.Document
	Text string
}

// Strategy is one pluggable price-extraction heuristic
type Strategy interface {
	Name() string
	Extract(page *Page) (*PageSignal, bool)
}

// Extractor runs an ordered list of strategies over a page
type Extractor struct {
	strategies []Strategy
}

// NewExtractor builds the default strategy chain
func NewExtractor() *Extractor {
	return &Extractor{
		strategies: []Strategy{
			&structuredStrategy{},
			&pairedPhraseStrategy{},
			&splitFractionStrategy{},
			&genericTokenStrategy{},
		},
	}
}

// Extract returns the first signal produced by the strategy chain, tagged
// with the strategy name that produced it.
func (e *Extractor) Extract(page *Page) (*PageSignal, string, bool) {
	for _, s := range e.strategies {
		if sig, ok := s.Extract(page); ok && sig.Price > 0 {
			return sig, s.Name(), true
		}
	}
	return nil, "", false
}

// parseBRL converts "1.234,56" / "1234" style amounts to a float
func parseBRL(raw string) (float64, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "R$")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

// ── structured markup ──

// structuredStrategy reads JSON-LD offer markup and explicit payment-method
// price containers. Preferred because structured entries cannot be confused
// with installment or recommendation noise.
type structuredStrategy struct{}

func (s *structuredStrategy) Name() string { return "structured" }

type ldOffer struct {
	Price json.Number `json:"price"`
}

type ldProduct struct {
	Type   string  `json:"@type"`
	Offers ldOffer `json:"offers"`
}

var pixSelectors = []string{
	".ui-pdp-payment--pix .andes-money-amount__fraction",
	"[data-testid='pix-price'] .andes-money-amount__fraction",
	".ui-pdp-price__subtitles .andes-money-amount__fraction",
}

func (s *structuredStrategy) Extract(page *Page) (*PageSignal, bool) {
	if page.Doc == nil {
		return nil, false
	}

	var price float64
	page.Doc.Find("script[type='application/ld+json']").EachWithBreak(func(i int, sel *goquery.Selection) bool {
		var product ldProduct
		if err := json.Unmarshal([]byte(sel.Text()), &product); err != nil {
			return true
		}
		if !strings.EqualFold(product.Type, "Product") {
			return true
		}
		if v, err := product.Offers.Price.Float64(); err == nil && v > 0 {
			price = v
			return false
		}
		return true
	})
	if price <= 0 {
		return nil, false
	}

	sig := &PageSignal{Price: price}
	for _, selector := range pixSelectors {
		text := strings.TrimSpace(page.Doc.Find(selector).First().Text())
		if text == "" {
			continue
		}
		if v, ok := parseBRL(text); ok && v <= price {
			sig.PixPrice = &v
			break
		}
	}
	return sig, true
}

// ── paired pix/standard phrase ──

// pairedPhraseStrategy matches the explicit "R$X no pix ou R$Y" phrasing
// (either order). A pairing is stronger evidence than a lone currency
// mention because it binds the pix amount to the standard amount.
type pairedPhraseStrategy struct{}

func (s *pairedPhraseStrategy) Name() string { return "paired_phrase" }

var (
	rePixThenStandard = regexp.MustCompile(`(?i)R\$\s*([\d.,]+)\s*(?:no|com|via)\s+pix[^R$]{0,60}?(?:ou|de)\s*R\$\s*([\d.,]+)`)
	reStandardThenPix = regexp.MustCompile(`(?i)R\$\s*([\d.,]+)[^R$]{0,60}?R\$\s*([\d.,]+)\s*(?:no|com|via)\s+pix`)
)

func (s *pairedPhraseStrategy) Extract(page *Page) (*PageSignal, bool) {
	text := page.Text

	if m := rePixThenStandard.FindStringSubmatch(text); m != nil {
		pix, okPix := parseBRL(m[1])
		standard, okStd := parseBRL(m[2])
		if okPix && okStd && pix <= standard {
			return &PageSignal{Price: standard, PixPrice: &pix}, true
		}
	}
	if m := reStandardThenPix.FindStringSubmatch(text); m != nil {
		standard, okStd := parseBRL(m[1])
		pix, okPix := parseBRL(m[2])
		if okPix && okStd && pix <= standard {
			return &PageSignal{Price: standard, PixPrice: &pix}, true
		}
	}
	return nil, false
}

// ── split fraction/cents DOM markers ──

// splitFractionStrategy reassembles prices rendered as separate integer and
// cents nodes. Promotional containers are tried before the generic ones
// (vrechson ordering: the second price line carries the promotion).
type splitFractionStrategy struct{}

func (s *splitFractionStrategy) Name() string { return "split_fraction" }

var fractionSelectors = []string{
	".ui-pdp-price__second-line",
	".ui-pdp-price--size-large",
	"[data-testid='price']",
	".ui-pdp-price__first-line",
}

func (s *splitFractionStrategy) Extract(page *Page) (*PageSignal, bool) {
	if page.Doc == nil {
		return nil, false
	}

	for _, selector := range fractionSelectors {
		container := page.Doc.Find(selector).First()
		fraction := strings.TrimSpace(container.Find(".andes-money-amount__fraction").First().Text())
		if fraction == "" {
			continue
		}
		cents := strings.TrimSpace(container.Find(".andes-money-amount__cents").First().Text())
		raw := fraction
		if cents != "" {
			raw = fraction + "," + cents
		}
		if v, ok := parseBRL(raw); ok {
			return &PageSignal{Price: v}, true
		}
	}
	return nil, false
}

// ── generic currency token ──

// genericTokenStrategy scans free text for currency amounts, discarding any
// found inside installment, coupon, or recommendation contexts. When several
// survive, the smallest is taken (the promotional figure on marketplace
// pages).
type genericTokenStrategy struct{}

func (s *genericTokenStrategy) Name() string { return "generic_token" }

var (
	reCurrencyToken = regexp.MustCompile(`R\$\s*([\d.,]+)`)

	// Context words that mark an amount as not-the-product-price.
	excludedContexts = []string{
		"x de r$", "em até", "parcel", "sem juros", "juros de",
		"cupom", "desconto de primeira compra",
		"quem viu", "também comprou", "recomendado", "produtos relacionados",
		"frete",
	}
)

func (s *genericTokenStrategy) Extract(page *Page) (*PageSignal, bool) {
	text := page.Text
	lower := strings.ToLower(text)

	var candidates []float64
	for _, loc := range reCurrencyToken.FindAllStringSubmatchIndex(text, -1) {
		amount := text[loc[2]:loc[3]]
		if excludedContext(lower, loc[0]) {
			continue
		}
		if v, ok := parseBRL(amount); ok {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	best := candidates[0]
	for _, v := range candidates[1:] {
		if v < best {
			best = v
		}
	}
	return &PageSignal{Price: best}, true
}

// excludedContext checks the 80 chars of text surrounding a match for
// installment/coupon/recommendation vocabulary.
func excludedContext(lower string, pos int) bool {
	start := pos - 40
	if start < 0 {
		start = 0
	}
	end := pos + 40
	if end > len(lower) {
		end = len(lower)
	}
	window := lower[start:end]
	for _, word := range excludedContexts {
		if strings.Contains(window, word) {
			return true
		}
	}
	return false
}
