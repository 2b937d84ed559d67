package scraper

import (
	"testing"
)

func TestParseBRL(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"R$ 1.234,56", 1234.56, true},
		{"78,90", 78.90, true},
		{"1234", 1234, true},
		{"R$0,00", 0, false},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := parseBRL(c.raw)
		if ok != c.ok || got != c.want {
			t.Fatalf("parseBRL(%q) = %v, %v; want %v, %v", c.raw, got, ok, c.want, c.ok)
		}
	}
}

func TestStructuredStrategy(t *testing.T) {
	html := `<html><body>
		<script type="application/ld+json">{"@type":"Product","offers":{"price":"78.90"}}</script>
		<div class="ui-pdp-payment--pix"><span class="andes-money-amount__fraction">69,90</span></div>
	</body></html>`

	page, err := buildPage(html)
	if err != nil {
		t.Fatalf("failed to build page: %v", err)
	}

	sig, name, ok := NewExtractor().Extract(page)
	if !ok {
		t.Fatal("expected a signal")
	}
	if name != "structured" {
		t.Fatalf("expected the structured strategy to win, got %s", name)
	}
	if sig.Price != 78.90 {
		t.Fatalf("unexpected price: %.2f", sig.Price)
	}
	if sig.PixPrice == nil || *sig.PixPrice != 69.90 {
		t.Fatalf("pix price not captured: %v", sig.PixPrice)
	}
}

func TestStructuredIgnoresImplausiblePix(t *testing.T) {
	// A "pix" figure above the listed price is noise from an unrelated widget.
	html := `<html><body>
		<script type="application/ld+json">{"@type":"Product","offers":{"price":"78.90"}}</script>
		<div class="ui-pdp-payment--pix"><span class="andes-money-amount__fraction">239,90</span></div>
	</body></html>`

	page, err := buildPage(html)
	if err != nil {
		t.Fatalf("failed to build page: %v", err)
	}

	sig, _, ok := NewExtractor().Extract(page)
	if !ok || sig.Price != 78.90 {
		t.Fatalf("expected the listed price, got %+v", sig)
	}
	if sig.PixPrice != nil {
		t.Fatalf("implausible pix price must be dropped, got %v", *sig.PixPrice)
	}
}

func TestPairedPhraseStrategy(t *testing.T) {
	page := &Page{Text: "Cadeira de escritório por R$ 69,90 no pix ou R$ 78,90 no cartão"}

	sig, ok := (&pairedPhraseStrategy{}).Extract(page)
	if !ok {
		t.Fatal("expected a signal")
	}
	if sig.Price != 78.90 {
		t.Fatalf("unexpected standard price: %.2f", sig.Price)
	}
	if sig.PixPrice == nil || *sig.PixPrice != 69.90 {
		t.Fatalf("pix price not captured: %v", sig.PixPrice)
	}
}

func TestPairedPhraseReversedOrder(t *testing.T) {
	page := &Page{Text: "De R$ 78,90 por apenas R$ 69,90 no pix"}

	sig, ok := (&pairedPhraseStrategy{}).Extract(page)
	if !ok {
		t.Fatal("expected a signal")
	}
	if sig.Price != 78.90 || sig.PixPrice == nil || *sig.PixPrice != 69.90 {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestSplitFractionStrategy(t *testing.T) {
	html := `<html><body>
		<div class="ui-pdp-price__first-line">
			<span class="andes-money-amount__fraction">99</span><span class="andes-money-amount__cents">90</span>
		</div>
		<div class="ui-pdp-price__second-line">
			<span class="andes-money-amount__fraction">78</span><span class="andes-money-amount__cents">90</span>
		</div>
	</body></html>`

	page, err := buildPage(html)
	if err != nil {
		t.Fatalf("failed to build page: %v", err)
	}

	sig, ok := (&splitFractionStrategy{}).Extract(page)
	if !ok {
		t.Fatal("expected a signal")
	}
	// The second line carries the promotional price and is tried first.
	if sig.Price != 78.90 {
		t.Fatalf("expected the promotional line, got %.2f", sig.Price)
	}
}

func TestGenericTokenExcludesInstallments(t *testing.T) {
	page := &Page{Text: "Comprar agora por R$ 899,00 com entrega garantida para todo o Brasil. Parcelamento disponível em 12x de R$ 89,90 sem juros no cartão. Frete R$ 25,00."}

	sig, ok := (&genericTokenStrategy{}).Extract(page)
	if !ok {
		t.Fatal("expected a signal")
	}
	if sig.Price != 899.00 {
		t.Fatalf("installment and freight amounts must be excluded, got %.2f", sig.Price)
	}
}

func TestGenericTokenNoSurvivors(t *testing.T) {
	page := &Page{Text: "Pague em 12x de R$ 89,90 sem juros"}

	if _, ok := (&genericTokenStrategy{}).Extract(page); ok {
		t.Fatal("installment-only text must not yield a price")
	}
}

func TestExtractorFallsThroughChain(t *testing.T) {
	// No structured markup and no DOM markers: only the paired phrase hits.
	html := `<html><body><p>R$ 69,90 no pix ou R$ 78,90</p></body></html>`

	page, err := buildPage(html)
	if err != nil {
		t.Fatalf("failed to build page: %v", err)
	}

	sig, name, ok := NewExtractor().Extract(page)
	if !ok {
		t.Fatal("expected a signal")
	}
	if name != "paired_phrase" {
		t.Fatalf("expected the paired phrase strategy, got %s", name)
	}
	if sig.PixPrice == nil || *sig.PixPrice != 69.90 {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}
