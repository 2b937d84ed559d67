/**
 * @description
 * Trigger-surface authentication.
 * The orchestrator endpoints are called by a cron scheduler or by manual
 * invocations, both authenticated with a shared secret header.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2: HTTP Context
 *
 * @notes
 * - Requires JOB_CHECK_SECRET to be set; with no secret configured the
 *   protected routes refuse every call instead of running open.
 */

package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/logger"
)

// JobSecretHeader carries the shared secret on trigger calls
const JobSecretHeader = "X-Job-Secret"

// JobSecret protects the orchestrator trigger routes with a constant-time
// shared-secret comparison.
func JobSecret(cfg *config.Config) fiber.Handler {
	secret := cfg.Run.JobSecret
	if secret == "" {
		logger.Info("⚠️ Warning: JOB_CHECK_SECRET is empty. Trigger routes will reject all calls.")
	}

	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Trigger secret not configured"})
		}

		provided := c.Get(JobSecretHeader)
		if provided == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing job secret header"})
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid job secret"})
		}

		return c.Next()
	}
}
