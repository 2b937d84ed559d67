package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/mercado"
	"github.com/vigia-project/backend/internal/models"
)

// marketStub is a scriptable marketplace API backend
type marketStub struct {
	item       mercado.Item
	itemStatus int
	etag       string
	pix        *float64
	catalog    []mercado.CatalogItem
}

func (m *marketStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/prices"):
			prices := mercado.PricesResponse{ID: m.item.ID, Prices: []mercado.PriceEntry{
				{Type: "standard", Amount: m.item.Price},
			}}
			if m.pix != nil {
				prices.Prices = append(prices.Prices, mercado.PriceEntry{Type: "promotion", Amount: *m.pix, PaymentMethodType: "pix"})
			}
			_ = json.NewEncoder(w).Encode(prices)

		case strings.Contains(r.URL.Path, "/products/"):
			_ = json.NewEncoder(w).Encode(mercado.CatalogItemsResponse{Results: m.catalog})

		case strings.Contains(r.URL.Path, "/items/"):
			if m.itemStatus != 0 {
				w.WriteHeader(m.itemStatus)
				_, _ = w.Write([]byte(`{"message":"stubbed error"}`))
				return
			}
			if m.etag != "" && r.Header.Get("If-None-Match") == m.etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			if m.etag != "" {
				w.Header().Set("ETag", m.etag)
			}
			_ = json.NewEncoder(w).Encode(m.item)

		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	})
}

type checkEnv struct {
	svc  *CheckService
	rdb  *redis.Client
	stub *marketStub
}

func newCheckEnv(t *testing.T) *checkEnv {
	t.Helper()

	stub := &marketStub{
		item: mercado.Item{ID: "MLB123", Title: "Cadeira de escritório", Price: 78.90, Status: "active"},
	}
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		Mercado: config.MercadoConfig{
			APIURL:           srv.URL,
			SeedAccessToken:  "seed-access",
			SeedRefreshToken: "seed-refresh",
		},
		Policy: config.PolicyConfig{
			TTLHighMinutes: 60, TTLMedMinutes: 360, TTLLowMinutes: 1440,
			TTLVolatileMinutes: 30, HighClickThreshold: 50, NewProductHours: 24,
		},
		Resolver: config.ResolverConfig{
			ScraperRatioLow: 0.5, ScraperRatioHigh: 1.5,
			MinPixDiscountAbs: 2.0, MinPixDiscountPct: 0.03,
			OriginalMaxDiscount: 0.9, OriginalMaxMultiple: 10,
		},
		Guards: config.GuardsConfig{
			OutlierPct: 0.30, OutlierAbs: 60,
			UntrustedDropPct: 0.15, UntrustedDropAbs: 30,
			FreezeHours: 6, RecheckMinutes: 20, ConfirmObservations: 2,
		},
		RateLimit: config.RateLimitConfig{ErrorThreshold: 5, OpenSeconds: 900},
		Run: config.RunConfig{
			BatchSize: 25, BudgetSeconds: 240, MaxDepth: 8,
			RetrySeconds: 300, BackoffBaseSeconds: 120, BackoffCapSeconds: 21600,
			LockTTLSeconds: 600,
		},
	}

	db := testDB(t,
		&models.Product{}, &models.DomainState{}, &models.PriceCheckJob{},
		&models.PriceCheckState{}, &models.CheckRun{}, &models.APIToken{},
		&models.PriceChangeEvent{}, &models.PriceAnomaly{},
	)

	gate := NewDomainGate(db, cfg)
	gate.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	tokens := NewTokenService(&GormTokenStore{DB: db}, mercado.NewOAuthClient(cfg), cfg)
	queue := NewQueueService(db, cfg)
	alerts := NewAlertService(rdb, cfg)
	svc := NewCheckService(db, rdb, cfg, mercado.NewClient(cfg), tokens, gate, queue, nil, alerts)

	return &checkEnv{svc: svc, rdb: rdb, stub: stub}
}

func (e *checkEnv) seedProduct(t *testing.T, p *models.Product) *models.Product {
	t.Helper()
	if p.ExternalID == "" {
		p.ExternalID = "MLB123"
	}
	p.Active = true
	if err := e.svc.DB.Create(p).Error; err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}
	return p
}

func TestRunCommitsPixPrice(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	pix := 74.90
	env.stub.pix = &pix
	p := env.seedProduct(t, &models.Product{Name: "Cadeira de escritório", Price: 78.90, PriceSource: models.PriceSourceAPIBase})

	sub := env.rdb.Subscribe(ctx, PriceUpdateChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	run, err := env.svc.Run(ctx, RunOptions{Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Status != models.RunStatusDone || run.Updated != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}

	var got models.Product
	if err := env.svc.DB.First(&got, p.ID).Error; err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Price != 74.90 || got.PriceSource != models.PriceSourceAPIPix {
		t.Fatalf("pix price not committed: %.2f from %s", got.Price, got.PriceSource)
	}
	if got.PreviousPrice == nil || *got.PreviousPrice != 78.90 || !got.OnSale {
		t.Fatalf("drop must set the promotional anchor: %+v", got.PreviousPrice)
	}
	if got.NextCheckAt == nil || got.LastSyncAt == nil {
		t.Fatal("scheduling fields not refreshed")
	}

	// A 5.1% drop is within guard tolerance, so the change event must both
	// persist and publish.
	var events int64
	env.svc.DB.Model(&models.PriceChangeEvent{}).Count(&events)
	if events != 1 {
		t.Fatalf("expected one change event, got %d", events)
	}
	msgCh := sub.Channel()
	select {
	case msg := <-msgCh:
		if !strings.Contains(msg.Payload, `"new_price":74.9`) {
			t.Fatalf("unexpected publish payload: %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("price change was not published")
	}
}

func TestOutlierDeferredThenConfirmed(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	env.stub.item.Price = 60.00
	p := env.seedProduct(t, &models.Product{Name: "Cadeira de escritório", Price: 100.00, PriceSource: models.PriceSourceAPIBase})

	run, err := env.svc.Run(ctx, RunOptions{Trigger: models.TriggerManual, Force: true})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if run.Deferred != 1 || run.Updated != 0 {
		t.Fatalf("a 40%% drop must defer on first sight: %+v", run)
	}

	var got models.Product
	env.svc.DB.First(&got, p.ID)
	if got.Price != 100.00 {
		t.Fatalf("deferred price must not be committed, got %.2f", got.Price)
	}
	if got.PendingPrice == nil || *got.PendingPrice != 60.00 || got.PendingCount != 1 {
		t.Fatalf("pending candidate not recorded: %+v", got)
	}

	var anomalies []models.PriceAnomaly
	env.svc.DB.Find(&anomalies)
	if len(anomalies) != 1 || anomalies[0].Kind != models.AnomalySuspectOutlier {
		t.Fatalf("expected one outlier anomaly, got %+v", anomalies)
	}

	// Second observation of the same candidate confirms it.
	run, err = env.svc.Run(ctx, RunOptions{Trigger: models.TriggerManual, Force: true})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if run.Updated != 1 {
		t.Fatalf("confirmed candidate must commit: %+v", run)
	}

	env.svc.DB.First(&got, p.ID)
	if got.Price != 60.00 {
		t.Fatalf("confirmed price not committed, got %.2f", got.Price)
	}
	if got.PendingPrice != nil || got.PendingCount != 0 {
		t.Fatalf("pending state must clear on commit: %+v", got)
	}
}

func TestNotModifiedRefreshesBookkeepingOnly(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	env.stub.etag = `"abc"`
	p := env.seedProduct(t, &models.Product{Name: "Cadeira de escritório", Price: 78.90, PriceSource: models.PriceSourceAPIBase, Etag: `"abc"`})

	run, err := env.svc.Run(ctx, RunOptions{Trigger: models.TriggerManual, Force: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.NotModified != 1 || run.Updated != 0 {
		t.Fatalf("expected a not-modified outcome: %+v", run)
	}

	var got models.Product
	env.svc.DB.First(&got, p.ID)
	if got.Price != 78.90 {
		t.Fatalf("price must not move on 304, got %.2f", got.Price)
	}
	if got.LastSyncAt == nil || got.NextCheckAt == nil {
		t.Fatal("bookkeeping must still refresh on 304")
	}
}

func TestPolicyBlockDisablesProduct(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	env.stub.itemStatus = http.StatusForbidden
	p := env.seedProduct(t, &models.Product{Name: "Cadeira de escritório", Price: 78.90, PriceSource: models.PriceSourceAPIBase})

	run, err := env.svc.Run(ctx, RunOptions{Trigger: models.TriggerManual, Force: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Failed != 1 {
		t.Fatalf("expected one failed check: %+v", run)
	}

	var got models.Product
	env.svc.DB.First(&got, p.ID)
	if got.Active {
		t.Fatal("policy block must deactivate the product")
	}
	if got.HealthStatus != models.HealthBlocked || got.AutoDisabledReason != string(models.ErrPolicyBlocked) {
		t.Fatalf("block state not recorded: %+v", got)
	}
	if got.Price != 78.90 {
		t.Fatalf("price must survive a block, got %.2f", got.Price)
	}
}

func TestBlockedProductReenablesOnTrustedPrice(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	p := env.seedProduct(t, &models.Product{Name: "Cadeira de escritório", Price: 78.90, PriceSource: models.PriceSourceAPIBase})
	env.svc.DB.Model(p).Updates(map[string]interface{}{
		"active":               false,
		"health_status":        models.HealthBlocked,
		"auto_disabled_reason": string(models.ErrPolicyBlocked),
	})

	if _, err := env.svc.CheckOne(ctx, p.ID); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	var got models.Product
	env.svc.DB.First(&got, p.ID)
	if !got.Active || got.AutoDisabledReason != "" || got.HealthStatus != models.HealthOK {
		t.Fatalf("trusted price must re-enable an auto-disabled product: %+v", got)
	}
}

func TestRunLockExcludesConcurrentRuns(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	if err := env.rdb.SetNX(ctx, runLockKey, "other-run", time.Minute).Err(); err != nil {
		t.Fatalf("failed to pre-set lock: %v", err)
	}

	if _, err := env.svc.Run(ctx, RunOptions{Trigger: models.TriggerManual}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	// The held lock must survive the rejected attempt.
	val, err := env.rdb.Get(ctx, runLockKey).Result()
	if err != nil || val != "other-run" {
		t.Fatalf("foreign lock was disturbed: %q (%v)", val, err)
	}
}

func TestFullBatchEnqueuesContinuation(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.seedProduct(t, &models.Product{Name: fmt.Sprintf("Cadeira %d", i), Price: 78.90, PriceSource: models.PriceSourceAPIBase, ExternalID: fmt.Sprintf("MLB%d", i)})
	}

	run, err := env.svc.Run(ctx, RunOptions{Trigger: models.TriggerCron, BatchSize: 2})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Checked != 2 {
		t.Fatalf("batch bound ignored: %+v", run)
	}

	meta, err := env.svc.queue.DueContinuation(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if meta == nil || meta.Depth != 1 {
		t.Fatalf("expected a depth-1 continuation, got %+v", meta)
	}
}

func TestMaxDepthStopsContinuationChain(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.seedProduct(t, &models.Product{Name: fmt.Sprintf("Cadeira %d", i), Price: 78.90, PriceSource: models.PriceSourceAPIBase, ExternalID: fmt.Sprintf("MLB%d", i)})
	}

	run, err := env.svc.Run(ctx, RunOptions{Trigger: models.TriggerContinuation, BatchSize: 2, Depth: 8})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Status != models.RunStatusDone {
		t.Fatalf("unexpected run status: %s", run.Status)
	}

	meta, err := env.svc.queue.DueContinuation(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if meta != nil {
		t.Fatalf("depth limit must stop the chain, got %+v", meta)
	}
}

func TestScheduledProductSkippedUntilDue(t *testing.T) {
	env := newCheckEnv(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	p := env.seedProduct(t, &models.Product{Name: "Cadeira de escritório", Price: 78.90, PriceSource: models.PriceSourceAPIBase, NextCheckAt: &future})

	run, err := env.svc.Run(ctx, RunOptions{Trigger: models.TriggerCron})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Checked != 0 {
		t.Fatalf("not-yet-due product must not be fetched: %+v", run)
	}

	// Force overrides the schedule.
	run, err = env.svc.Run(ctx, RunOptions{Trigger: models.TriggerManual, Force: true})
	if err != nil {
		t.Fatalf("forced run failed: %v", err)
	}
	if run.Checked != 1 {
		t.Fatalf("force must override the schedule: %+v", run)
	}

	var got models.Product
	env.svc.DB.First(&got, p.ID)
	if got.NextCheckAt == nil || !got.NextCheckAt.After(time.Now()) {
		t.Fatal("schedule not refreshed after the forced check")
	}
}
