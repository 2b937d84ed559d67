/**
 * @description
 * Worker Service Entry Point.
 * Responsible for background tasks:
 * 1. Draining the price-check job queue (claimed batches with per-job retry).
 * 2. Picking up continuation messages so deep catalogs are covered across
 *    several bounded runs instead of one unbounded one.
 *
 * @dependencies
 * - backend/internal/config
 * - backend/internal/db
 * - backend/internal/mercado
 * - backend/internal/services
 */

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/db"
	"github.com/vigia-project/backend/internal/logger"
	"github.com/vigia-project/backend/internal/mercado"
	"github.com/vigia-project/backend/internal/models"
	"github.com/vigia-project/backend/internal/scraper"
	"github.com/vigia-project/backend/internal/services"
)

const pollInterval = 30 * time.Second

func main() {
	logger.Info("🔥 Starting Vigia Worker...")

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	// 2. Connect DBs
	pgDB, err := db.ConnectPostgres(cfg)
	if err != nil {
		logger.Fatal("Postgres connection failed: %v", err)
	}

	redisClient, err := db.ConnectRedis(cfg)
	if err != nil {
		logger.Fatal("Redis connection failed: %v", err)
	}

	// 3. Initialize Services
	apiClient := mercado.NewClient(cfg)
	oauthClient := mercado.NewOAuthClient(cfg)
	tokenService := services.NewTokenService(&services.GormTokenStore{DB: pgDB}, oauthClient, cfg)
	gate := services.NewDomainGate(pgDB, cfg)
	queue := services.NewQueueService(pgDB, cfg)
	alerts := services.NewAlertService(redisClient, cfg)
	checkService := services.NewCheckService(pgDB, redisClient, cfg, apiClient, tokenService, gate, queue, scraper.New(cfg), alerts)

	// 4. Context with Cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Poll Loop
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		drainQueue(ctx, queue, checkService)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				drainQueue(ctx, queue, checkService)
			}
		}
	}()

	// 6. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()

	time.Sleep(1 * time.Second) // Let an in-flight batch settle its jobs
	logger.Info("Worker exited.")
}

// drainQueue runs one bounded batch when the queue holds due work. A
// continuation message seeds the run with its recorded depth so the chain
// stays bounded; the run itself claims and consumes the message.
func drainQueue(ctx context.Context, queue *services.QueueService, checks *services.CheckService) {
	opts := services.RunOptions{UseQueue: true, Trigger: models.TriggerCron}

	meta, err := queue.DueContinuation(ctx)
	if err != nil {
		logger.Error("Failed to peek continuation queue: %v", err)
		return
	}
	if meta != nil {
		opts.Trigger = models.TriggerContinuation
		opts.Depth = meta.Depth
		opts.Force = meta.Force
	} else {
		due, err := queue.DueCount(ctx)
		if err != nil {
			logger.Error("Failed to count due jobs: %v", err)
			return
		}
		if due == 0 {
			return
		}
	}

	run, err := checks.Run(ctx, opts)
	if errors.Is(err, services.ErrRunInProgress) {
		logger.Info("Run already in progress, skipping tick")
		return
	}
	if err != nil {
		logger.Error("❌ Queue run failed: %v", err)
		return
	}
	logger.Info("✅ Run %s finished: checked=%d updated=%d deferred=%d failed=%d", run.ID, run.Checked, run.Updated, run.Deferred, run.Failed)
}
