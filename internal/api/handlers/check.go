/**
 * @description
 * HTTP handlers for the price-check trigger surface.
 * Exposes the run trigger (cron/manual/continuation), a single-product
 * force check, and a run-record readout.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - backend/internal/services
 */

package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/vigia-project/backend/internal/models"
	"github.com/vigia-project/backend/internal/services"
	"gorm.io/gorm"
)

type CheckHandler struct {
	Service *services.CheckService
	DB      *gorm.DB
}

func NewCheckHandler(service *services.CheckService, db *gorm.DB) *CheckHandler {
	return &CheckHandler{Service: service, DB: db}
}

// runRequest carries the per-invocation configuration overrides
type runRequest struct {
	BatchSize     int    `json:"batch_size"`
	BudgetSeconds int    `json:"budget_seconds"`
	Force         bool   `json:"force"`
	Depth         int    `json:"depth"`
	MaxDepth      int    `json:"max_depth"`
	UseQueue      *bool  `json:"use_queue"`
	Trigger       string `json:"trigger"`
}

// TriggerRun handles POST /api/v1/checks/run
func (h *CheckHandler) TriggerRun(c *fiber.Ctx) error {
	var req runRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	useQueue := true
	if req.UseQueue != nil {
		useQueue = *req.UseQueue
	}

	trigger := models.TriggerCron
	switch req.Trigger {
	case "manual":
		trigger = models.TriggerManual
	case "continuation":
		trigger = models.TriggerContinuation
	}

	run, err := h.Service.Run(c.Context(), services.RunOptions{
		BatchSize:     req.BatchSize,
		BudgetSeconds: req.BudgetSeconds,
		Force:         req.Force,
		Depth:         req.Depth,
		MaxDepth:      req.MaxDepth,
		UseQueue:      useQueue,
		Trigger:       trigger,
	})
	if errors.Is(err, services.ErrRunInProgress) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "A run is already in progress"})
	}
	if err != nil {
		status := fiber.StatusInternalServerError
		body := fiber.Map{"error": err.Error()}
		if run != nil {
			body["run"] = run
		}
		return c.Status(status).JSON(body)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"run": run})
}

// CheckProduct handles POST /api/v1/checks/products/:id — a force-synced
// check of one product, bypassing its schedule.
func (h *CheckHandler) CheckProduct(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid product id"})
	}

	run, err := h.Service.CheckOne(c.Context(), id)
	if errors.Is(err, services.ErrRunInProgress) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "A run is already in progress"})
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Product not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"run": run})
}

// GetRun handles GET /api/v1/checks/runs/:id
func (h *CheckHandler) GetRun(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid run id"})
	}

	var run models.CheckRun
	if err := h.DB.First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Run not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load run"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"run": run})
}
