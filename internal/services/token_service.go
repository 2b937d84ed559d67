/**
 * @description
 * OAuth token lifecycle for the marketplace API.
 * Bootstraps the single persisted token row from environment credentials,
 * and wraps authenticated calls so a 401 triggers exactly one refresh+retry.
 *
 * @dependencies
 * - gorm.io/gorm
 * - backend/internal/mercado
 * - backend/internal/models
 */

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/logger"
	"github.com/vigia-project/backend/internal/mercado"
	"github.com/vigia-project/backend/internal/models"
	"gorm.io/gorm"
)

// ErrNoCredentials is returned when neither a stored token row nor seed
// credentials exist.
var ErrNoCredentials = errors.New("no marketplace credentials available")

// TokenStore abstracts the single-row token persistence
type TokenStore interface {
	Get(ctx context.Context) (*models.APIToken, error)
	Upsert(ctx context.Context, token *models.APIToken) error
}

// GormTokenStore stores the token row in the api_tokens table
type GormTokenStore struct {
	DB *gorm.DB
}

func (s *GormTokenStore) Get(ctx context.Context) (*models.APIToken, error) {
	var token models.APIToken
	err := s.DB.WithContext(ctx).Order("id").First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *GormTokenStore) Upsert(ctx context.Context, token *models.APIToken) error {
	if token.ID == 0 {
		return s.DB.WithContext(ctx).Create(token).Error
	}
	return s.DB.WithContext(ctx).Save(token).Error
}

type TokenService struct {
	store TokenStore
	oauth *mercado.OAuthClient
	cfg   config.MercadoConfig

	mu  sync.Mutex
	Now func() time.Time
}

func NewTokenService(store TokenStore, oauth *mercado.OAuthClient, cfg *config.Config) *TokenService {
	return &TokenService{
		store: store,
		oauth: oauth,
		cfg:   cfg.Mercado,
		Now:   time.Now,
	}
}

// Bootstrap seeds the token row from environment credentials when the store
// is empty. Idempotent; called at the start of every run.
func (s *TokenService) Bootstrap(ctx context.Context) error {
	token, err := s.store.Get(ctx)
	if err != nil {
		return err
	}
	if token != nil {
		return nil
	}
	if s.cfg.SeedAccessToken == "" && s.cfg.SeedRefreshToken == "" {
		return ErrNoCredentials
	}
	logger.Info("🔑 Seeding marketplace token row from environment credentials")
	return s.store.Upsert(ctx, &models.APIToken{
		AccessToken:  s.cfg.SeedAccessToken,
		RefreshToken: s.cfg.SeedRefreshToken,
	})
}

// AccessToken returns the current persisted access token
func (s *TokenService) AccessToken(ctx context.Context) (string, error) {
	token, err := s.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if token == nil {
		return "", ErrNoCredentials
	}
	return token.AccessToken, nil
}

// Refresh performs one refresh_token grant, persists the new pair, and
// returns the new access token. Failures surface as mercado.ErrRefreshFailed
// and are never retried recursively.
func (s *TokenService) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if token == nil {
		return "", ErrNoCredentials
	}

	resp, err := s.oauth.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return "", err
	}

	token.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		token.RefreshToken = resp.RefreshToken
	}
	if resp.ExpiresIn > 0 {
		expiresAt := s.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		token.ExpiresAt = &expiresAt
	}
	if err := s.store.Upsert(ctx, token); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	logger.Info("🔑 Marketplace token refreshed")
	return token.AccessToken, nil
}

// Do invokes call with the current access token. On an upstream 401 it
// refreshes once and retries the original call exactly once with the new
// token; any further 401 is surfaced to the caller.
func (s *TokenService) Do(ctx context.Context, call func(token string) error) error {
	token, err := s.AccessToken(ctx)
	if err != nil {
		return err
	}

	err = call(token)
	if !isUnauthorized(err) {
		return err
	}

	newToken, refreshErr := s.Refresh(ctx)
	if refreshErr != nil {
		return refreshErr
	}
	return call(newToken)
}

func isUnauthorized(err error) bool {
	var apiErr *mercado.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
