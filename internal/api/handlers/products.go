/**
 * @description
 * Product read surface.
 * Exposes a single product with its scheduling state, its accepted price
 * history, and a live SSE stream of price updates.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - backend/internal/services
 * - backend/internal/models
 */

package handlers

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/vigia-project/backend/internal/models"
	"github.com/vigia-project/backend/internal/services"
	"gorm.io/gorm"
)

type ProductHandler struct {
	DB  *gorm.DB
	Hub *services.PriceStreamHub
}

func NewProductHandler(db *gorm.DB, hub *services.PriceStreamHub) *ProductHandler {
	return &ProductHandler{DB: db, Hub: hub}
}

// GetProduct returns one product together with its check state
// GET /api/v1/products/:id
func (h *ProductHandler) GetProduct(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid product id"})
	}

	var product models.Product
	if err := h.DB.First(&product, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Product not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load product"})
	}

	var state models.PriceCheckState
	stateErr := h.DB.First(&state, "product_id = ?", id).Error

	resp := fiber.Map{"product": product}
	if stateErr == nil {
		resp["check_state"] = state
	}
	return c.JSON(resp)
}

// GetPriceHistory returns the accepted price moves for one product,
// newest first.
// GET /api/v1/products/:id/changes
func (h *ProductHandler) GetPriceHistory(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid product id"})
	}

	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var events []models.PriceChangeEvent
	if err := h.DB.
		Where("product_id = ?", id).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load price history"})
	}

	return c.JSON(events)
}

// StreamPriceUpdates streams live price updates over SSE
// GET /api/v1/products/stream
func (h *ProductHandler) StreamPriceUpdates(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	requestCtx := c.Context()
	updates, unsubscribe := h.Hub.Subscribe()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		requestDone := requestCtx.Done()

		for {
			select {
			case <-requestDone:
				return
			case payload, ok := <-updates:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}
