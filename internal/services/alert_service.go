/**
 * @description
 * Downstream price-drop signaling.
 * Publishes every accepted change on a Redis channel and, when a run ends
 * with at least one accepted change, fires one best-effort HTTP call to the
 * external alert service. Failures here are logged, never fatal to a run.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9
 * - net/http
 * - backend/internal/models
 */

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/logger"
	"github.com/vigia-project/backend/internal/models"
)

const (
	PriceUpdateChannel = "products:price_updates"

	alertTimeout = 10 * time.Second
)

type AlertService struct {
	Redis      *redis.Client
	AlertURL   string
	HTTPClient *http.Client
}

func NewAlertService(rdb *redis.Client, cfg *config.Config) *AlertService {
	return &AlertService{
		Redis:    rdb,
		AlertURL: cfg.Run.AlertURL,
		HTTPClient: &http.Client{
			Timeout: alertTimeout,
		},
	}
}

// PublishChange pushes one accepted price move onto the Redis channel
func (s *AlertService) PublishChange(ctx context.Context, event *models.PriceChangeEvent) {
	if s.Redis == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to marshal price change for publish: %v", err)
		return
	}
	if err := s.Redis.Publish(ctx, PriceUpdateChannel, payload).Err(); err != nil {
		logger.Error("Failed to publish price change: %v", err)
	}
}

type runAlertPayload struct {
	RunID    string `json:"run_id"`
	Changes  int    `json:"changes"`
	Drops    int    `json:"drops"`
	Finished string `json:"finished_at"`
}

// NotifyRun fires the asynchronous best-effort alert call for a finished run
// with at least one accepted change.
func (s *AlertService) NotifyRun(run *models.CheckRun, changes, drops int) {
	if s.AlertURL == "" || changes == 0 {
		return
	}

	payload := runAlertPayload{
		RunID:    run.ID.String(),
		Changes:  changes,
		Drops:    drops,
		Finished: time.Now().UTC().Format(time.RFC3339),
	}

	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			logger.Error("Failed to marshal run alert: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, "POST", s.AlertURL, bytes.NewReader(body))
		if err != nil {
			logger.Error("Failed to build run alert request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.HTTPClient.Do(req)
		if err != nil {
			logger.Error("Price-drop alert call failed: %v", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			logger.Error("Price-drop alert answered status %d", resp.StatusCode)
		}
	}()
}
