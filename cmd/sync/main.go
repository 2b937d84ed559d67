package main

import (
	"context"
	"flag"
	"log"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/db"
	"github.com/vigia-project/backend/internal/mercado"
	"github.com/vigia-project/backend/internal/models"
	"github.com/vigia-project/backend/internal/scraper"
	"github.com/vigia-project/backend/internal/services"
)

func main() {
	force := flag.Bool("force", false, "check every active product regardless of schedule")
	batch := flag.Int("batch", 0, "override batch size (0 = config default)")
	flag.Parse()

	log.Println("🚀 Starting manual price check run...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	pgDB, err := db.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}

	// One-shot runs don't need the shared lock to outlive the process; an
	// in-memory redis keeps the CLI free of infra dependencies.
	mr, err := miniredis.Run()
	if err != nil {
		log.Fatalf("failed to start in-memory redis: %v", err)
	}
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	apiClient := mercado.NewClient(cfg)
	oauthClient := mercado.NewOAuthClient(cfg)
	tokenService := services.NewTokenService(&services.GormTokenStore{DB: pgDB}, oauthClient, cfg)
	gate := services.NewDomainGate(pgDB, cfg)
	queue := services.NewQueueService(pgDB, cfg)
	alerts := services.NewAlertService(redisClient, cfg)
	service := services.NewCheckService(pgDB, redisClient, cfg, apiClient, tokenService, gate, queue, scraper.New(cfg), alerts)

	ctx := context.Background()

	run, err := service.Run(ctx, services.RunOptions{
		Trigger:   models.TriggerManual,
		Force:     *force,
		BatchSize: *batch,
	})
	if err != nil {
		log.Fatalf("price check run failed: %v", err)
	}

	log.Printf("✅ Run %s: checked=%d updated=%d deferred=%d not_modified=%d skipped=%d failed=%d",
		run.ID, run.Checked, run.Updated, run.Deferred, run.NotModified, run.Skipped, run.Failed)

	var activeCount int64
	if err := pgDB.Model(&models.Product{}).Where("active = ?", true).Count(&activeCount).Error; err == nil {
		log.Printf("✅ Active products tracked: %d", activeCount)
	} else {
		log.Printf("⚠️ Failed to count active products: %v", err)
	}

	log.Println("✅ Manual price check completed.")
}
