/**
 * @description
 * Run orchestrator.
 * Processes due products strictly sequentially: fetches the item from the
 * marketplace API (with anonymous and catalog fallbacks), invokes the
 * scraping fallback when no pix signal was found, resolves the final price,
 * runs the guards, and converts every outcome into a scheduling decision
 * plus audit rows. A Redis run lock prevents concurrent invocations; a
 * wall-clock budget bounds each run and hands leftover work to a single
 * continuation job.
 *
 * @dependencies
 * - gorm.io/gorm
 * - github.com/redis/go-redis/v9
 * - github.com/google/uuid
 * - backend/internal/mercado
 * - backend/internal/pricing
 * - backend/internal/scraper
 */

package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/logger"
	"github.com/vigia-project/backend/internal/mercado"
	"github.com/vigia-project/backend/internal/models"
	"github.com/vigia-project/backend/internal/pricing"
	"github.com/vigia-project/backend/internal/scraper"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	runLockKey = "pricecheck:run_lock"

	// How long a promotional previous-price anchor stays valid.
	previousAnchorTTL = 72 * time.Hour

	// Backoff applied when the upstream explicitly rejects us by policy.
	policyBackoff = 6 * time.Hour

	// Backoff applied to items that no longer exist upstream.
	notFoundBackoff = 24 * time.Hour
)

// ErrRunInProgress is returned when another invocation holds the run lock
var ErrRunInProgress = errors.New("a check run is already in progress")

// errItemUnlisted marks items answered 200 but paused/closed upstream
var errItemUnlisted = errors.New("item is not listed")

// RunOptions carries per-invocation overrides of the configured defaults
type RunOptions struct {
	BatchSize     int
	BudgetSeconds int
	Force         bool
	Depth         int
	MaxDepth      int
	UseQueue      bool
	Trigger       models.RunTrigger
}

type CheckService struct {
	DB      *gorm.DB
	Redis   *redis.Client
	cfg     *config.Config
	api     *mercado.Client
	tokens  *TokenService
	gate    *DomainGate
	queue   *QueueService
	scraper *scraper.Scraper
	alerts  *AlertService

	apiDomain string

	Now func() time.Time
}

func NewCheckService(
	db *gorm.DB,
	rdb *redis.Client,
	cfg *config.Config,
	api *mercado.Client,
	tokens *TokenService,
	gate *DomainGate,
	queue *QueueService,
	sc *scraper.Scraper,
	alerts *AlertService,
) *CheckService {
	return &CheckService{
		DB:        db,
		Redis:     rdb,
		cfg:       cfg,
		api:       api,
		tokens:    tokens,
		gate:      gate,
		queue:     queue,
		scraper:   sc,
		alerts:    alerts,
		apiDomain: hostOf(cfg.Mercado.APIURL),
		Now:       time.Now,
	}
}

// checkOutcome is the per-product result the orchestrator folds into the run
type checkOutcome struct {
	code        models.ErrorCode
	updated     bool
	deferred    bool
	notModified bool
	skipped     bool
	failed      bool
	priceMoved  bool
	drop        bool
	abortRun    error // set only for run-level failures (credentials)
}

// Run executes one orchestrator invocation and returns its run record.
func (s *CheckService) Run(ctx context.Context, opts RunOptions) (*models.CheckRun, error) {
	opts = s.withDefaults(opts)

	run := &models.CheckRun{
		ID:        uuid.New(),
		Trigger:   opts.Trigger,
		Depth:     opts.Depth,
		Status:    models.RunStatusRunning,
		StartedAt: s.Now(),
	}

	acquired, err := s.acquireRunLock(ctx, run.ID.String())
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrRunInProgress
	}
	// Release on every exit path; a background context so a cancelled run
	// cannot leak the lock.
	defer s.releaseRunLock(run.ID.String())

	if err := s.DB.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}

	if err := s.tokens.Bootstrap(ctx); err != nil {
		return run, s.finalizeFailed(ctx, run, fmt.Errorf("credential bootstrap failed: %w", err))
	}

	deadline := run.StartedAt.Add(time.Duration(opts.BudgetSeconds) * time.Second)

	var changes, drops int
	deadlineReached := false
	batchFull := false

	if opts.UseQueue {
		jobs, err := s.queue.ClaimDue(ctx, opts.BatchSize)
		if err != nil {
			return run, s.finalizeFailed(ctx, run, fmt.Errorf("queue claim failed: %w", err))
		}
		if len(jobs) > 0 {
			batchFull = len(jobs) == opts.BatchSize
			deadlineReached = s.processJobs(ctx, run, jobs, opts, deadline, &changes, &drops)
			if run.Status == models.RunStatusFailed {
				return run, errors.New(run.Error)
			}
			return run, s.finish(ctx, run, opts, deadlineReached, batchFull, changes, drops)
		}
		// No queue entries claimed: the queue is an optimization layer, fall
		// through to the direct due-products query.
	}

	products, err := s.dueProducts(ctx, opts.BatchSize, opts.Force)
	if err != nil {
		return run, s.finalizeFailed(ctx, run, fmt.Errorf("due-products query failed: %w", err))
	}
	batchFull = len(products) == opts.BatchSize
	for i := range products {
		if !s.Now().Before(deadline) {
			deadlineReached = true
			break
		}
		outcome := s.checkProduct(ctx, run, &products[i], opts.Force)
		s.tally(ctx, run, outcome, &changes, &drops)
		if outcome.abortRun != nil {
			return run, s.finalizeFailed(ctx, run, outcome.abortRun)
		}
	}

	if run.Status == models.RunStatusFailed {
		return run, errors.New(run.Error)
	}
	return run, s.finish(ctx, run, opts, deadlineReached, batchFull, changes, drops)
}

// CheckOne force-checks a single product outside the normal schedule. Used
// by the manual trigger endpoint; takes the same run lock as a full run.
func (s *CheckService) CheckOne(ctx context.Context, productID uint64) (*models.CheckRun, error) {
	var product models.Product
	if err := s.DB.WithContext(ctx).First(&product, productID).Error; err != nil {
		return nil, err
	}

	run := &models.CheckRun{
		ID:        uuid.New(),
		Trigger:   models.TriggerManual,
		Status:    models.RunStatusRunning,
		StartedAt: s.Now(),
	}

	acquired, err := s.acquireRunLock(ctx, run.ID.String())
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrRunInProgress
	}
	defer s.releaseRunLock(run.ID.String())

	if err := s.DB.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	if err := s.tokens.Bootstrap(ctx); err != nil {
		return run, s.finalizeFailed(ctx, run, fmt.Errorf("credential bootstrap failed: %w", err))
	}

	var changes, drops int
	outcome := s.checkProduct(ctx, run, &product, true)
	s.tally(ctx, run, outcome, &changes, &drops)
	if outcome.abortRun != nil {
		return run, s.finalizeFailed(ctx, run, outcome.abortRun)
	}

	run.Status = models.RunStatusDone
	finished := s.Now()
	run.FinishedAt = &finished
	if err := s.DB.WithContext(ctx).Save(run).Error; err != nil {
		return run, err
	}
	s.alerts.NotifyRun(run, changes, drops)
	return run, nil
}

// processJobs drains a claimed batch; returns whether the deadline cut it short
func (s *CheckService) processJobs(ctx context.Context, run *models.CheckRun, jobs []models.PriceCheckJob, opts RunOptions, deadline time.Time, changes, drops *int) bool {
	for i := range jobs {
		job := &jobs[i]

		meta, metaErr := job.DecodeMetadata()
		if metaErr != nil {
			logger.Error("Job %s carries malformed metadata: %v", job.ID, metaErr)
			_ = s.queue.Fail(ctx, job, models.ErrUnknown)
			continue
		}
		if meta.Continuation {
			// The continuation message triggered this very run; consume it.
			_ = s.queue.Complete(ctx, job)
			continue
		}

		if !s.Now().Before(deadline) {
			for j := i; j < len(jobs); j++ {
				_ = s.queue.Release(ctx, &jobs[j])
			}
			return true
		}

		outcome := s.checkByID(ctx, run, job.ProductID, opts.Force || meta.Force)
		s.settleJob(ctx, job, outcome)
		s.tally(ctx, run, outcome, changes, drops)
		if outcome.abortRun != nil {
			_ = s.finalizeFailed(ctx, run, outcome.abortRun)
			return false
		}
	}
	return false
}

// settleJob maps a check outcome onto the job lifecycle
func (s *CheckService) settleJob(ctx context.Context, job *models.PriceCheckJob, outcome checkOutcome) {
	switch {
	case outcome.abortRun != nil:
		_ = s.queue.Release(ctx, job)
	case outcome.failed && retryable(outcome.code):
		_ = s.queue.Retry(ctx, job, outcome.code)
	case outcome.failed:
		_ = s.queue.Fail(ctx, job, outcome.code)
	default:
		_ = s.queue.Complete(ctx, job)
	}
}

func retryable(code models.ErrorCode) bool {
	switch code {
	case models.ErrRateLimited, models.ErrTimeout, models.ErrUnknown:
		return true
	}
	return false
}

func (s *CheckService) checkByID(ctx context.Context, run *models.CheckRun, productID uint64, force bool) checkOutcome {
	var product models.Product
	err := s.DB.WithContext(ctx).First(&product, productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return checkOutcome{failed: true, code: models.ErrNotFound}
	}
	if err != nil {
		return checkOutcome{failed: true, code: models.ErrUnknown}
	}
	return s.checkProduct(ctx, run, &product, force)
}

// checkProduct runs the full pipeline for one product. Every error becomes a
// scheduling decision; only credential failures abort the run.
func (s *CheckService) checkProduct(ctx context.Context, run *models.CheckRun, p *models.Product, force bool) checkOutcome {
	now := s.Now()

	if !force && p.NextCheckAt != nil && now.Before(*p.NextCheckAt) {
		return checkOutcome{skipped: true}
	}

	sched := pricing.ComputeSchedule(p, s.cfg.Policy, now)

	fetch, err := s.fetchSignals(ctx, p)
	if err != nil {
		return s.handleFetchError(ctx, run, p, sched, err)
	}

	if fetch.notModified {
		// Upstream says nothing changed: refresh bookkeeping only.
		next := sched.NextCheckAt(now)
		p.LastSyncAt = &now
		p.NextCheckAt = &next
		if err := s.DB.WithContext(ctx).Save(p).Error; err != nil {
			logger.Error("Failed to persist not-modified refresh for product %d: %v", p.ID, err)
		}
		s.upsertState(ctx, p, sched, stateUpdate{checkedAt: &now})
		return checkOutcome{notModified: true}
	}

	var res pricing.Resolution
	ok := false
	if fetch.fromCatalog {
		res = pricing.Resolution{Price: fetch.catalogItem.Price, Source: models.PriceSourceCatalog}
		ok = res.Price > 0
	} else {
		res, ok = pricing.Resolve(fetch.signals, s.cfg.Resolver)
	}

	if res.ScraperRejected {
		s.recordAnomaly(ctx, run, p, models.AnomalyStaleScraper, res.Price, deref(fetch.signals.Scraped), models.PriceSourceScraper,
			"scraped price outside plausibility band around the API price")
	}

	if !ok {
		// No usable price: the stored price stays frozen, only scheduling moves.
		next := sched.NextCheckAt(now)
		p.NextCheckAt = &next
		if err := s.DB.WithContext(ctx).Save(p).Error; err != nil {
			logger.Error("Failed to reschedule product %d: %v", p.ID, err)
		}
		s.upsertState(ctx, p, sched, stateUpdate{checkedAt: &now})
		return checkOutcome{}
	}

	// Catalog reconciliation: a best offer bound to a different item than the
	// pinned one is suspect until confirmed.
	if fetch.fromCatalog && p.PreferredItemID != "" && fetch.catalogItem.ItemID != p.PreferredItemID {
		s.recordAnomaly(ctx, run, p, models.AnomalyCatalogMismatch, p.Price, res.Price, res.Source,
			fmt.Sprintf("catalog best offer %s differs from pinned item %s", fetch.catalogItem.ItemID, p.PreferredItemID))
		return s.deferCandidate(ctx, run, p, res, models.ErrSuspectOfferBinding, now)
	}

	confirmations := 0
	if p.PendingPrice != nil && pricing.SamePrice(*p.PendingPrice, res.Price) {
		confirmations = p.PendingCount
	}

	verdict := pricing.Evaluate(p, res.Price, res.Source, confirmations, s.cfg.Guards, now)
	if verdict.Defer {
		return s.deferCandidate(ctx, run, p, res, verdict.Reason, now)
	}

	return s.applyUpdate(ctx, run, p, fetch, res, sched, now)
}

// ── signal collection ──

type fetchResult struct {
	signals     pricing.Signals
	apiOriginal *float64
	etag        string
	notModified bool
	fromCatalog bool
	catalogItem *mercado.CatalogItem
	scraperUsed bool
}

// fetchSignals gathers all price evidence for one product: the item payload
// (conditional on the stored ETag), the payment-method breakdown, and — only
// when the API produced no pix signal — the scraping fallback.
func (s *CheckService) fetchSignals(ctx context.Context, p *models.Product) (*fetchResult, error) {
	itemID := p.ItemID()
	out := &fetchResult{}

	var itemRes *mercado.ItemResult
	err := s.gatedAuthCall(ctx, func(token string) error {
		r, callErr := s.api.GetItem(ctx, itemID, p.Etag, token)
		if callErr == nil {
			itemRes = r
		}
		return callErr
	})

	if err != nil {
		var apiErr *mercado.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.StatusCode {
			case 401, 403:
				// Public fallback: most item payloads are readable anonymously.
				anonErr := s.gatedCall(ctx, func() error {
					r, callErr := s.api.GetItem(ctx, itemID, p.Etag, "")
					if callErr == nil {
						itemRes = r
					}
					return callErr
				})
				if anonErr != nil {
					return nil, err
				}
			case 404:
				return s.fetchFromCatalog(ctx, p, err)
			default:
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	if itemRes.NotModified {
		out.notModified = true
		return out, nil
	}

	item := itemRes.Item
	out.etag = itemRes.Etag
	if !item.Listed() {
		return nil, fmt.Errorf("%w: item %s status %q", errItemUnlisted, item.ID, item.Status)
	}

	price := item.Price
	out.signals.APIBase = &price
	if item.OriginalPrice > 0 {
		original := item.OriginalPrice
		out.apiOriginal = &original
	}

	// Payment-method breakdown; a failure here is not fatal, the base price
	// already stands on its own.
	var prices *mercado.PricesResponse
	pricesErr := s.gatedAuthCall(ctx, func(token string) error {
		r, callErr := s.api.GetItemPrices(ctx, item.ID, token)
		if callErr == nil {
			prices = r
		}
		return callErr
	})
	if pricesErr != nil {
		logger.Error("Prices lookup for %s failed: %v", item.ID, pricesErr)
	} else {
		if base := prices.BasePrice(); base != nil {
			out.signals.APIBase = base
		}
		out.signals.APIPix = prices.PixPrice()
	}

	// Scraping fallback only when the API gave no alternate-payment signal.
	if out.signals.APIPix == nil && s.scraper != nil {
		if pageURL := scrapeURL(p, item); pageURL != "" {
			sig, strategy, scrapeErr := s.scraper.FetchSignal(ctx, pageURL)
			if scrapeErr != nil {
				logger.Error("Scraper fallback for product %d failed: %v", p.ID, scrapeErr)
			} else {
				out.scraperUsed = true
				scraped := sig.Price
				out.signals.Scraped = &scraped
				out.signals.ScrapedPix = sig.PixPrice
				logger.Info("🔍 Scraper strategy %s found %.2f for product %d", strategy, sig.Price, p.ID)
			}
		}
	}

	return out, nil
}

// fetchFromCatalog resolves the best offer among the catalog's items after a
// 404 on the direct item. origErr is returned when the catalog cannot help.
func (s *CheckService) fetchFromCatalog(ctx context.Context, p *models.Product, origErr error) (*fetchResult, error) {
	if p.CatalogID == "" {
		return nil, origErr
	}

	var items *mercado.CatalogItemsResponse
	err := s.gatedAuthCall(ctx, func(token string) error {
		r, callErr := s.api.GetCatalogItems(ctx, p.CatalogID, token)
		if callErr == nil {
			items = r
		}
		return callErr
	})
	if err != nil {
		return nil, origErr
	}

	offer := items.BestOffer()
	if offer == nil {
		return nil, origErr
	}

	return &fetchResult{fromCatalog: true, catalogItem: offer}, nil
}

func scrapeURL(p *models.Product, item *mercado.Item) string {
	if p.SourceURL != "" {
		return p.SourceURL
	}
	if p.CanonicalURL != "" {
		return p.CanonicalURL
	}
	if item != nil {
		return item.Permalink
	}
	return ""
}

// gatedAuthCall runs an authenticated API call behind the domain gate with
// the one-refresh-on-401 token wrapper.
func (s *CheckService) gatedAuthCall(ctx context.Context, call func(token string) error) error {
	return s.gated(ctx, func() error {
		return s.tokens.Do(ctx, call)
	})
}

// gatedCall runs an anonymous API call behind the domain gate
func (s *CheckService) gatedCall(ctx context.Context, call func() error) error {
	return s.gated(ctx, call)
}

func (s *CheckService) gated(ctx context.Context, call func() error) error {
	if err := s.gate.Acquire(ctx, s.apiDomain); err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			// Synthetic 429: no network touched.
			return &mercado.APIError{StatusCode: 429, Body: "circuit open"}
		}
		return err
	}

	err := call()

	status := 0
	var transportErr error
	var apiErr *mercado.APIError
	switch {
	case err == nil:
		status = 200
	case errors.As(err, &apiErr):
		status = apiErr.StatusCode
	default:
		transportErr = err
	}
	if reportErr := s.gate.Report(ctx, s.apiDomain, status, transportErr); reportErr != nil {
		logger.Error("Failed to record domain state for %s: %v", s.apiDomain, reportErr)
	}

	return err
}

// ── outcome handling ──

// handleFetchError converts a fetch failure into backoff + audit state
func (s *CheckService) handleFetchError(ctx context.Context, run *models.CheckRun, p *models.Product, sched pricing.Schedule, err error) checkOutcome {
	now := s.Now()
	code := classifyError(err)

	switch code {
	case models.ErrAuthFailed:
		// One refresh was already attempted inside the token wrapper; a
		// credential problem is run-level.
		return checkOutcome{failed: true, code: code, abortRun: fmt.Errorf("marketplace auth failed: %w", err)}

	case models.ErrPolicyBlocked:
		next := now.Add(policyBackoff)
		p.Active = false
		p.AutoDisabledReason = string(models.ErrPolicyBlocked)
		p.HealthStatus = models.HealthBlocked
		p.NextCheckAt = &next
		s.recordAnomaly(ctx, run, p, models.AnomalyPolicyBlocked, p.Price, 0, p.PriceSource, err.Error())

	case models.ErrNotFound:
		next := now.Add(notFoundBackoff)
		p.HealthStatus = models.HealthNotFound
		p.NextCheckAt = &next

	default:
		// rate_limited / timeout / unknown: exponential backoff keyed on the
		// consecutive failure count.
		failCount := s.currentFailCount(ctx, p.ID) + 1
		backoff := BackoffDuration(failCount, jitterFor(p.ID, failCount), s.cfg.Run)
		next := now.Add(backoff)
		p.NextCheckAt = &next
	}

	if saveErr := s.DB.WithContext(ctx).Save(p).Error; saveErr != nil {
		logger.Error("Failed to persist backoff for product %d: %v", p.ID, saveErr)
	}
	s.upsertState(ctx, p, sched, stateUpdate{failCode: code, backoffUntil: p.NextCheckAt, checkedAt: &now})

	return checkOutcome{failed: true, code: code}
}

// deferCandidate stores the observed price as a pending candidate and
// reschedules a short recheck. Never a hard failure.
func (s *CheckService) deferCandidate(ctx context.Context, run *models.CheckRun, p *models.Product, res pricing.Resolution, reason models.ErrorCode, now time.Time) checkOutcome {
	price := res.Price

	if p.PendingPrice != nil && pricing.SamePrice(*p.PendingPrice, price) {
		p.PendingCount++
	} else {
		p.PendingPrice = &price
		p.PendingSource = res.Source
		p.PendingCount = 1
		p.PendingAt = &now
	}

	recheck := now.Add(time.Duration(s.cfg.Guards.RecheckMinutes) * time.Minute)
	p.NextCheckAt = &recheck

	if err := s.DB.WithContext(ctx).Save(p).Error; err != nil {
		logger.Error("Failed to persist pending candidate for product %d: %v", p.ID, err)
	}

	s.upsertState(ctx, p, pricing.Schedule{}, stateUpdate{
		suspectPrice:  &price,
		suspectReason: reason,
		suspectAt:     &now,
		checkedAt:     &now,
	})
	s.recordAnomaly(ctx, run, p, anomalyKindFor(reason), p.Price, price, res.Source,
		fmt.Sprintf("deferred for confirmation (%d observation(s))", p.PendingCount))

	return checkOutcome{deferred: true, code: reason}
}

// applyUpdate commits an accepted price, refreshes the promotional anchor,
// clears suspect markers, and appends audit rows.
func (s *CheckService) applyUpdate(ctx context.Context, run *models.CheckRun, p *models.Product, fetch *fetchResult, res pricing.Resolution, sched pricing.Schedule, now time.Time) checkOutcome {
	oldPrice := p.Price
	moved := oldPrice > 0 && !pricing.SamePrice(oldPrice, res.Price)
	drop := moved && res.Price < oldPrice

	if drop {
		prev := oldPrice
		exp := now.Add(previousAnchorTTL)
		p.PreviousPrice = &prev
		p.PreviousPriceSource = models.PriceSourceHistory
		p.PreviousPriceExpiresAt = &exp
		p.OnSale = true
	} else if moved {
		// Price rose: the promotion ended, retire the anchor.
		p.PreviousPrice = nil
		p.PreviousPriceSource = ""
		p.PreviousPriceExpiresAt = nil
		p.OnSale = false
	}

	if original := pricing.ResolveOriginalPrice(fetch.apiOriginal, res.Price, res.Source, s.cfg.Resolver); original != nil {
		p.OriginalPrice = original
	} else if res.Source.Trusted() {
		p.OriginalPrice = nil
	}

	p.Price = res.Price
	p.PriceSource = res.Source

	switch res.Source {
	case models.PriceSourceAPIPix:
		p.PixPrice = fetch.signals.APIPix
		p.PixPriceSource = models.PriceSourceAPIPix
		p.PixCheckedAt = &now
	case models.PriceSourceScraperPix:
		pix := res.Price
		p.PixPrice = &pix
		p.PixPriceSource = models.PriceSourceScraperPix
		p.PixCheckedAt = &now
	default:
		p.PixPrice = nil
		p.PixPriceSource = ""
		p.PixCheckedAt = nil
	}

	p.PendingPrice = nil
	p.PendingSource = ""
	p.PendingCount = 0
	p.PendingAt = nil

	clearSuspect := false
	if res.Source.Trusted() {
		p.HealthStatus = models.HealthOK
		clearSuspect = true
		if p.AutoDisabledReason != "" {
			p.AutoDisabledReason = ""
			p.Active = true
		}
	}

	if fetch.etag != "" {
		p.Etag = fetch.etag
	}
	next := sched.NextCheckAt(now)
	p.LastSyncAt = &now
	p.NextCheckAt = &next

	if err := s.DB.WithContext(ctx).Save(p).Error; err != nil {
		logger.Error("Failed to persist product %d: %v", p.ID, err)
		return checkOutcome{failed: true, code: models.ErrUnknown}
	}

	s.upsertState(ctx, p, sched, stateUpdate{
		lastPrice:    &res.Price,
		lastSource:   res.Source,
		checkedAt:    &now,
		clearSuspect: clearSuspect,
		resetFails:   true,
	})

	if moved {
		event := &models.PriceChangeEvent{
			ProductID: p.ID,
			OldPrice:  oldPrice,
			NewPrice:  res.Price,
			Source:    res.Source,
			RunID:     run.ID.String(),
		}
		if err := s.DB.WithContext(ctx).Create(event).Error; err != nil {
			logger.Error("Failed to append price change event for product %d: %v", p.ID, err)
		} else {
			s.alerts.PublishChange(ctx, event)
		}
	}

	return checkOutcome{updated: true, priceMoved: moved, drop: drop}
}

// ── persistence helpers ──

type stateUpdate struct {
	lastPrice     *float64
	lastSource    models.PriceSource
	failCode      models.ErrorCode
	backoffUntil  *time.Time
	suspectPrice  *float64
	suspectReason models.ErrorCode
	suspectAt     *time.Time
	checkedAt     *time.Time
	clearSuspect  bool
	resetFails    bool
}

// upsertState writes the per-product scheduling memory row
func (s *CheckService) upsertState(ctx context.Context, p *models.Product, sched pricing.Schedule, upd stateUpdate) {
	var state models.PriceCheckState
	err := s.DB.WithContext(ctx).Where(models.PriceCheckState{ProductID: p.ID}).FirstOrCreate(&state).Error
	if err != nil {
		logger.Error("Failed to load check state for product %d: %v", p.ID, err)
		return
	}

	if sched.Priority != "" {
		state.Priority = sched.Priority
		state.TTLMinutes = sched.TTLMinutes
	}
	if upd.lastPrice != nil {
		state.LastPrice = upd.lastPrice
		state.LastSource = upd.lastSource
	}
	if upd.failCode != "" {
		state.FailCount++
		state.LastErrorCode = upd.failCode
		state.BackoffUntil = upd.backoffUntil
	}
	if upd.resetFails {
		state.FailCount = 0
		state.LastErrorCode = ""
		state.BackoffUntil = nil
	}
	if upd.suspectPrice != nil {
		state.SuspectPrice = upd.suspectPrice
		state.SuspectReason = upd.suspectReason
		state.SuspectAt = upd.suspectAt
	}
	if upd.clearSuspect {
		state.SuspectPrice = nil
		state.SuspectReason = ""
		state.SuspectAt = nil
	}
	if upd.checkedAt != nil {
		state.CheckedAt = upd.checkedAt
	}

	// The state row is hit by the run loop, the worker, and manual checks;
	// retry deadlock/serialization losers instead of dropping the write.
	for attempt := 1; attempt <= 3; attempt++ {
		err = s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			UpdateAll: true,
		}).Create(&state).Error
		if err == nil {
			return
		}
		if pgErr, ok := err.(*pgconn.PgError); ok && (pgErr.Code == "40P01" || pgErr.Code == "40001") {
			backoff := time.Duration(attempt*100+rand.Intn(100)) * time.Millisecond
			time.Sleep(backoff)
			continue
		}
		break
	}
	logger.Error("Failed to upsert check state for product %d: %v", p.ID, err)
}

func (s *CheckService) currentFailCount(ctx context.Context, productID uint64) int {
	var state models.PriceCheckState
	err := s.DB.WithContext(ctx).First(&state, "product_id = ?", productID).Error
	if err != nil {
		return 0
	}
	return state.FailCount
}

func (s *CheckService) recordAnomaly(ctx context.Context, run *models.CheckRun, p *models.Product, kind models.AnomalyKind, stored, observed float64, source models.PriceSource, detail string) {
	anomaly := &models.PriceAnomaly{
		ProductID:     p.ID,
		Kind:          kind,
		StoredPrice:   stored,
		ObservedPrice: observed,
		Source:        source,
		Detail:        detail,
		RunID:         run.ID.String(),
	}
	if err := s.DB.WithContext(ctx).Create(anomaly).Error; err != nil {
		logger.Error("Failed to append anomaly for product %d: %v", p.ID, err)
	}
}

// ── run bookkeeping ──

func (s *CheckService) withDefaults(opts RunOptions) RunOptions {
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.cfg.Run.BatchSize
	}
	if opts.BudgetSeconds <= 0 {
		opts.BudgetSeconds = s.cfg.Run.BudgetSeconds
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = s.cfg.Run.MaxDepth
	}
	if opts.Trigger == "" {
		opts.Trigger = models.TriggerManual
	}
	return opts
}

func (s *CheckService) tally(ctx context.Context, run *models.CheckRun, outcome checkOutcome, changes, drops *int) {
	switch {
	case outcome.skipped:
		run.Skipped++
	case outcome.notModified:
		run.Checked++
		run.NotModified++
	case outcome.deferred:
		run.Checked++
		run.Deferred++
	case outcome.failed:
		run.Checked++
		run.Failed++
	case outcome.updated:
		run.Checked++
		run.Updated++
		if outcome.priceMoved {
			*changes++
		}
		if outcome.drop {
			*drops++
		}
	default:
		run.Checked++
	}

	if err := s.DB.WithContext(ctx).Save(run).Error; err != nil {
		logger.Error("Failed to update run counters: %v", err)
	}
}

func (s *CheckService) finish(ctx context.Context, run *models.CheckRun, opts RunOptions, deadlineReached, batchFull bool, changes, drops int) error {
	if deadlineReached || batchFull {
		remaining, err := s.countDue(ctx)
		if err != nil {
			logger.Error("Failed to count remaining due products: %v", err)
		} else if remaining > 0 {
			if opts.Depth < opts.MaxDepth {
				if _, err := s.queue.EnqueueContinuation(ctx, opts.Depth+1, opts.Force); err != nil {
					logger.Error("Failed to enqueue continuation: %v", err)
				} else {
					logger.Info("↩️ Continuation enqueued at depth %d (%d products still due)", opts.Depth+1, remaining)
				}
			} else {
				logger.Info("⚠️ Max continuation depth %d reached with %d products still due", opts.MaxDepth, remaining)
			}
		}
	}

	run.Status = models.RunStatusDone
	if deadlineReached {
		run.Status = models.RunStatusDeadline
	}
	finished := s.Now()
	run.FinishedAt = &finished
	if err := s.DB.WithContext(ctx).Save(run).Error; err != nil {
		return err
	}

	s.alerts.NotifyRun(run, changes, drops)
	logger.Info("✅ Run %s finished: checked=%d updated=%d deferred=%d failed=%d not_modified=%d skipped=%d",
		run.ID, run.Checked, run.Updated, run.Deferred, run.Failed, run.NotModified, run.Skipped)
	return nil
}

func (s *CheckService) finalizeFailed(ctx context.Context, run *models.CheckRun, cause error) error {
	run.Status = models.RunStatusFailed
	run.Error = cause.Error()
	finished := s.Now()
	run.FinishedAt = &finished
	if err := s.DB.WithContext(ctx).Save(run).Error; err != nil {
		logger.Error("Failed to finalize failed run: %v", err)
	}
	logger.Error("❌ Run %s failed: %v", run.ID, cause)
	return cause
}

func (s *CheckService) dueProducts(ctx context.Context, limit int, force bool) ([]models.Product, error) {
	var products []models.Product
	q := s.DB.WithContext(ctx).Where("active = ?", true)
	if !force {
		q = q.Where("next_check_at IS NULL OR next_check_at <= ?", s.Now())
	}
	err := q.Order("next_check_at").Limit(limit).Find(&products).Error
	return products, err
}

func (s *CheckService) countDue(ctx context.Context) (int64, error) {
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&models.Product{}).
		Where("active = ? AND (next_check_at IS NULL OR next_check_at <= ?)", true, s.Now()).
		Count(&count).Error
	return count, err
}

// ── run lock ──

func (s *CheckService) acquireRunLock(ctx context.Context, runID string) (bool, error) {
	if s.Redis == nil {
		return true, nil
	}
	ttl := time.Duration(s.cfg.Run.LockTTLSeconds) * time.Second
	return s.Redis.SetNX(ctx, runLockKey, runID, ttl).Result()
}

func (s *CheckService) releaseRunLock(runID string) {
	if s.Redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	val, err := s.Redis.Get(ctx, runLockKey).Result()
	if err == nil && val == runID {
		if err := s.Redis.Del(ctx, runLockKey).Err(); err != nil {
			logger.Error("Failed to release run lock: %v", err)
		}
	}
}

// ── classification ──

// classifyError maps any per-product failure onto the scheduling taxonomy
func classifyError(err error) models.ErrorCode {
	if errors.Is(err, ErrNoCredentials) || errors.Is(err, mercado.ErrRefreshFailed) {
		return models.ErrAuthFailed
	}
	if errors.Is(err, errItemUnlisted) {
		return models.ErrNotFound
	}

	var apiErr *mercado.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401:
			return models.ErrAuthFailed
		case 403:
			return models.ErrPolicyBlocked
		case 404:
			return models.ErrNotFound
		case 429:
			return models.ErrRateLimited
		}
		return models.ErrUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrTimeout
	}

	return models.ErrUnknown
}

func anomalyKindFor(reason models.ErrorCode) models.AnomalyKind {
	switch reason {
	case models.ErrSuspectOutlier:
		return models.AnomalySuspectOutlier
	case models.ErrSuspectUntrustedDrop:
		return models.AnomalySuspectDrop
	case models.ErrSuspectOfferBinding:
		return models.AnomalyOfferBinding
	case models.ErrSuspectFreeze:
		return models.AnomalyFreezeWindow
	}
	return models.AnomalySuspectOutlier
}

// BackoffDuration computes the retry backoff for a failure streak:
// base * 2^failCount with proportional jitter, capped at the configured
// maximum. Deterministic for a given jitter input.
func BackoffDuration(failCount int, jitter float64, cfg config.RunConfig) time.Duration {
	secs := float64(cfg.BackoffBaseSeconds) * math.Pow(2, float64(failCount))
	if secs > float64(cfg.BackoffCapSeconds) {
		secs = float64(cfg.BackoffCapSeconds)
	}
	secs *= 1 + 0.25*jitter
	return time.Duration(secs * float64(time.Second))
}

// jitterFor derives a stable jitter in [0,1) from the product and streak so
// identical retries don't synchronize across products.
func jitterFor(productID uint64, failCount int) float64 {
	h := productID*2654435761 + uint64(failCount)*40503
	return float64(h%1000) / 1000.0
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
