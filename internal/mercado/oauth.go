/**
 * @description
 * OAuth client for the marketplace token endpoint.
 * Performs the refresh_token grant used by the token service when the API
 * answers 401.
 *
 * @dependencies
 * - net/http
 * - net/url
 * - backend/internal/config
 */

package mercado

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vigia-project/backend/internal/config"
)

// ErrRefreshFailed marks refresh-grant failures that cannot be retried
// blindly (bad credentials, revoked refresh token, upstream rejection).
var ErrRefreshFailed = errors.New("token refresh failed")

type OAuthClient struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func NewOAuthClient(cfg *config.Config) *OAuthClient {
	timeout := DefaultTimeout
	if cfg.Mercado.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Mercado.TimeoutSeconds) * time.Second
	}
	return &OAuthClient{
		TokenURL:     cfg.Mercado.AuthURL,
		ClientID:     cfg.Mercado.ClientID,
		ClientSecret: cfg.Mercado.ClientSecret,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Refresh exchanges a refresh token for a new access/refresh token pair.
// Missing credentials or a non-2xx answer surface as ErrRefreshFailed.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on record", ErrRefreshFailed)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client credentials not configured", ErrRefreshFailed)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, "POST", c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("%w: malformed token payload: %v", ErrRefreshFailed, err)
	}
	if err := token.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	return &token, nil
}
