/**
 * @description
 * Per-domain rate limiter and circuit breaker.
 * Owns the domain_states rows: throttles request cadence to a randomized
 * gap, counts consecutive failures, and short-circuits calls while the
 * circuit is open.
 *
 * @dependencies
 * - gorm.io/gorm
 * - backend/internal/config
 * - backend/internal/models
 */

package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/logger"
	"github.com/vigia-project/backend/internal/models"
	"gorm.io/gorm"
)

// ErrCircuitOpen is returned by Acquire while a domain's circuit is open.
// Callers treat it exactly like an upstream 429 without touching the network.
var ErrCircuitOpen = errors.New("domain circuit open")

type DomainGate struct {
	DB  *gorm.DB
	cfg config.RateLimitConfig

	// swappable in tests
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
	RandFloat func() float64
}

func NewDomainGate(db *gorm.DB, cfg *config.Config) *DomainGate {
	return &DomainGate{
		DB:        db,
		cfg:       cfg.RateLimit,
		Now:       time.Now,
		Sleep:     sleepCtx,
		RandFloat: rand.Float64,
	}
}

// RequiredDelay computes how long a caller must still wait before hitting the
// domain: the randomized target gap within [min,max] seconds minus the time
// already elapsed since the last request.
func (g *DomainGate) RequiredDelay(lastRequestAt *time.Time, now time.Time) time.Duration {
	if lastRequestAt == nil {
		return 0
	}
	target := g.cfg.MinGapSeconds + g.RandFloat()*(g.cfg.MaxGapSeconds-g.cfg.MinGapSeconds)
	elapsed := now.Sub(*lastRequestAt)
	delay := time.Duration(target*float64(time.Second)) - elapsed
	if delay < 0 {
		return 0
	}
	return delay
}

// Acquire gates one outbound call. It returns ErrCircuitOpen immediately when
// the circuit is open, otherwise sleeps out the remaining throttle gap and
// stamps last_request_at.
func (g *DomainGate) Acquire(ctx context.Context, domain string) error {
	state, err := g.loadState(ctx, domain)
	if err != nil {
		return err
	}

	now := g.Now()
	if state.CircuitOpen(now) {
		return ErrCircuitOpen
	}

	if delay := g.RequiredDelay(state.LastRequestAt, now); delay > 0 {
		if err := g.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	now = g.Now()
	state.LastRequestAt = &now
	return g.DB.WithContext(ctx).Save(state).Error
}

// Report records the classification of one response. 429, 403, and transport
// errors count toward the failure streak; reaching the threshold opens the
// circuit. Any other response resets the streak and closes the circuit.
func (g *DomainGate) Report(ctx context.Context, domain string, statusCode int, transportErr error) error {
	state, err := g.loadState(ctx, domain)
	if err != nil {
		return err
	}

	state.LastStatusCode = statusCode

	if transportErr != nil || statusCode == 429 || statusCode == 403 {
		state.ConsecutiveErrors++
		if state.ConsecutiveErrors >= g.cfg.ErrorThreshold {
			openUntil := g.Now().Add(time.Duration(g.cfg.OpenSeconds) * time.Second)
			state.CircuitOpenUntil = &openUntil
			logger.Error("⛔ Circuit opened for %s until %s (%d consecutive errors)", domain, openUntil.Format(time.RFC3339), state.ConsecutiveErrors)
		}
	} else {
		state.ConsecutiveErrors = 0
		state.CircuitOpenUntil = nil
	}

	return g.DB.WithContext(ctx).Save(state).Error
}

// State exposes the current row for a domain
func (g *DomainGate) State(ctx context.Context, domain string) (*models.DomainState, error) {
	return g.loadState(ctx, domain)
}

func (g *DomainGate) loadState(ctx context.Context, domain string) (*models.DomainState, error) {
	var state models.DomainState
	err := g.DB.WithContext(ctx).Where(models.DomainState{Domain: domain}).FirstOrCreate(&state).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
