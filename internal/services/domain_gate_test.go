package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testDB(t *testing.T, tables ...interface{}) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(tables...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func testGate(t *testing.T) *DomainGate {
	cfg := &config.Config{RateLimit: config.RateLimitConfig{
		MinGapSeconds:  15,
		MaxGapSeconds:  15,
		ErrorThreshold: 5,
		OpenSeconds:    900,
	}}
	gate := NewDomainGate(testDB(t, &models.DomainState{}), cfg)
	gate.RandFloat = func() float64 { return 0 }
	return gate
}

func TestRequiredDelayRemainder(t *testing.T) {
	gate := testGate(t)

	now := time.Now()
	last := now.Add(-10 * time.Second)

	// 15s target gap minus 10s elapsed leaves 5s.
	if got := gate.RequiredDelay(&last, now); got != 5*time.Second {
		t.Fatalf("expected 5s delay, got %v", got)
	}
}

func TestRequiredDelayElapsedGap(t *testing.T) {
	gate := testGate(t)

	now := time.Now()
	last := now.Add(-20 * time.Second)
	if got := gate.RequiredDelay(&last, now); got != 0 {
		t.Fatalf("expected no delay after the gap, got %v", got)
	}
	if got := gate.RequiredDelay(nil, now); got != 0 {
		t.Fatalf("first request must not wait, got %v", got)
	}
}

func TestAcquireSleepsAndStamps(t *testing.T) {
	gate := testGate(t)
	ctx := context.Background()

	var slept time.Duration
	gate.Sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	if err := gate.Acquire(ctx, "api.example.com"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if slept != 0 {
		t.Fatalf("first acquire must not sleep, slept %v", slept)
	}

	if err := gate.Acquire(ctx, "api.example.com"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if slept <= 0 {
		t.Fatal("second acquire inside the gap must sleep")
	}

	state, err := gate.State(ctx, "api.example.com")
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if state.LastRequestAt == nil {
		t.Fatal("last_request_at was not stamped")
	}
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	gate := testGate(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := gate.Report(ctx, "api.example.com", 429, nil); err != nil {
			t.Fatalf("report %d failed: %v", i, err)
		}
	}
	if err := gate.Acquire(ctx, "api.example.com"); err != nil {
		t.Fatalf("circuit must stay closed below the threshold: %v", err)
	}

	if err := gate.Report(ctx, "api.example.com", 429, nil); err != nil {
		t.Fatalf("threshold report failed: %v", err)
	}
	if err := gate.Acquire(ctx, "api.example.com"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitResetsOnSuccess(t *testing.T) {
	gate := testGate(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = gate.Report(ctx, "api.example.com", 429, nil)
	}
	if err := gate.Report(ctx, "api.example.com", 200, nil); err != nil {
		t.Fatalf("success report failed: %v", err)
	}

	state, err := gate.State(ctx, "api.example.com")
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if state.ConsecutiveErrors != 0 || state.CircuitOpenUntil != nil {
		t.Fatalf("success must reset the breaker, got %+v", state)
	}
	if err := gate.Acquire(ctx, "api.example.com"); err != nil {
		t.Fatalf("acquire after reset failed: %v", err)
	}
}

func TestReportCountsTransportAndForbidden(t *testing.T) {
	gate := testGate(t)
	ctx := context.Background()

	_ = gate.Report(ctx, "api.example.com", 0, errors.New("connection reset"))
	_ = gate.Report(ctx, "api.example.com", 403, nil)
	_ = gate.Report(ctx, "api.example.com", 404, nil) // not a throttle signal

	state, err := gate.State(ctx, "api.example.com")
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if state.ConsecutiveErrors != 0 {
		t.Fatalf("404 must reset the streak, got %d", state.ConsecutiveErrors)
	}

	_ = gate.Report(ctx, "api.example.com", 0, errors.New("timeout"))
	state, _ = gate.State(ctx, "api.example.com")
	if state.ConsecutiveErrors != 1 {
		t.Fatalf("transport error must count, got %d", state.ConsecutiveErrors)
	}
}

func TestBackoffDurationGrows(t *testing.T) {
	cfg := config.RunConfig{BackoffBaseSeconds: 120, BackoffCapSeconds: 21600}

	first := BackoffDuration(1, 0.5, cfg)
	third := BackoffDuration(3, 0.5, cfg)
	if third <= first {
		t.Fatalf("backoff must grow with the streak: %v vs %v", first, third)
	}

	capped := BackoffDuration(30, 0, cfg)
	if capped != 21600*time.Second {
		t.Fatalf("expected the cap, got %v", capped)
	}

	jittered := BackoffDuration(30, 1, cfg)
	if jittered != time.Duration(21600*1.25*float64(time.Second)) {
		t.Fatalf("jitter must apply after the cap, got %v", jittered)
	}
}
