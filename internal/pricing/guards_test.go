package pricing

import (
	"testing"
	"time"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/models"
)

func guardsConfig() config.GuardsConfig {
	return config.GuardsConfig{
		OutlierPct:          0.30,
		OutlierAbs:          60,
		UntrustedDropPct:    0.15,
		UntrustedDropAbs:    30,
		FreezeHours:         6,
		RecheckMinutes:      20,
		ConfirmObservations: 2,
	}
}

func TestIsOutlierPercent(t *testing.T) {
	cfg := guardsConfig()

	if !IsOutlier(100, 60, cfg) {
		t.Fatal("40% drop must be an outlier")
	}
	if IsOutlier(100, 80, cfg) {
		t.Fatal("20% drop is within tolerance")
	}
}

func TestIsOutlierAbsolute(t *testing.T) {
	cfg := guardsConfig()

	// 65 off 1000 is only 6.5% but exceeds the absolute threshold.
	if !IsOutlier(1000, 935, cfg) {
		t.Fatal("65 absolute delta must be an outlier")
	}
	if IsOutlier(1000, 950, cfg) {
		t.Fatal("50 absolute delta is within tolerance")
	}
}

func TestIsUntrustedDrop(t *testing.T) {
	cfg := guardsConfig()

	if !IsUntrustedDrop(100, 80, models.PriceSourceScraper, cfg) {
		t.Fatal("20% scraped drop must be flagged")
	}
	if IsUntrustedDrop(100, 80, models.PriceSourceAPIBase, cfg) {
		t.Fatal("trusted sources are exempt from the drop guard")
	}
	if IsUntrustedDrop(100, 110, models.PriceSourceScraper, cfg) {
		t.Fatal("a rise is not a drop")
	}
}

func TestEvaluateDefersOutlier(t *testing.T) {
	now := time.Now()
	p := &models.Product{Price: 100}

	verdict := Evaluate(p, 60, models.PriceSourceAPIBase, 0, guardsConfig(), now)

	if !verdict.Defer {
		t.Fatal("first sighting of an outlier must defer")
	}
	if verdict.Reason != models.ErrSuspectOutlier {
		t.Fatalf("unexpected reason: %s", verdict.Reason)
	}
}

func TestEvaluateAcceptsConfirmedCandidate(t *testing.T) {
	now := time.Now()
	p := &models.Product{Price: 100}

	verdict := Evaluate(p, 60, models.PriceSourceAPIBase, 1, guardsConfig(), now)

	if verdict.Defer {
		t.Fatal("a confirmed candidate must be accepted regardless of guards")
	}
}

func TestEvaluateFreezeWindow(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Hour)
	p := &models.Product{Price: 100, LastSyncAt: &recent}

	verdict := Evaluate(p, 95, models.PriceSourceAPIBase, 0, guardsConfig(), now)

	if !verdict.Defer || verdict.Reason != models.ErrSuspectFreeze {
		t.Fatalf("change inside the freeze window must defer, got %+v", verdict)
	}

	old := now.Add(-7 * time.Hour)
	p.LastSyncAt = &old
	verdict = Evaluate(p, 95, models.PriceSourceAPIBase, 0, guardsConfig(), now)
	if verdict.Defer {
		t.Fatalf("change outside the freeze window must pass, got %+v", verdict)
	}
}

func TestEvaluateSamePriceNoop(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Hour)
	p := &models.Product{Price: 78.90, LastSyncAt: &recent}

	verdict := Evaluate(p, 78.90, models.PriceSourceAPIBase, 0, guardsConfig(), now)

	if verdict.Defer {
		t.Fatal("an unchanged price never defers")
	}
}

func TestEvaluateFirstPrice(t *testing.T) {
	now := time.Now()
	p := &models.Product{Price: 0}

	verdict := Evaluate(p, 78.90, models.PriceSourceScraper, 0, guardsConfig(), now)

	if verdict.Defer {
		t.Fatal("a product without a committed price accepts the first observation")
	}
}

func TestSamePriceTolerance(t *testing.T) {
	if !SamePrice(78.90, 78.900000001) {
		t.Fatal("sub-cent noise must compare equal")
	}
	if SamePrice(78.90, 78.91) {
		t.Fatal("a one-cent move is a real change")
	}
}
