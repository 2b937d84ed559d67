/**
 * @description
 * API Route definitions.
 * Sets up the router groups and assigns handlers.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - backend/internal/api/handlers
 * - backend/internal/api/middleware
 * - backend/internal/services
 * - backend/internal/mercado
 */

package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vigia-project/backend/internal/api/handlers"
	"github.com/vigia-project/backend/internal/api/middleware"
	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/mercado"
	"github.com/vigia-project/backend/internal/scraper"
	"github.com/vigia-project/backend/internal/services"
	"gorm.io/gorm"
)

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, db *gorm.DB, rdb *redis.Client, cfg *config.Config) {
	// 1. Initialize Services
	apiClient := mercado.NewClient(cfg)
	oauthClient := mercado.NewOAuthClient(cfg)
	tokenService := services.NewTokenService(&services.GormTokenStore{DB: db}, oauthClient, cfg)
	gate := services.NewDomainGate(db, cfg)
	queue := services.NewQueueService(db, cfg)
	alerts := services.NewAlertService(rdb, cfg)
	checkService := services.NewCheckService(db, rdb, cfg, apiClient, tokenService, gate, queue, scraper.New(cfg), alerts)
	streamHub := services.NewPriceStreamHub(rdb, services.PriceUpdateChannel)

	// 2. Initialize Handlers
	checkHandler := handlers.NewCheckHandler(checkService, db)
	productHandler := handlers.NewProductHandler(db, streamHub)

	// 3. Define Routes
	api := app.Group("/api")
	v1 := api.Group("/v1")

	// Public Routes
	v1.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Product Routes (Public)
	products := v1.Group("/products")
	products.Get("/stream", productHandler.StreamPriceUpdates)
	products.Get("/:id", productHandler.GetProduct)
	products.Get("/:id/changes", productHandler.GetPriceHistory)

	// Check Routes (shared-secret protected: cron, continuation worker, manual ops)
	checks := v1.Group("/checks", middleware.JobSecret(cfg))
	checks.Post("/run", checkHandler.TriggerRun)
	checks.Post("/products/:id", checkHandler.CheckProduct)
	checks.Get("/runs/:id", checkHandler.GetRun)
}
