/**
 * @description
 * HTTP Client for the marketplace API.
 * Fetches items (with conditional ETag requests), payment-method price
 * breakdowns, and catalog offers.
 *
 * @dependencies
 * - net/http
 * - encoding/json
 * - backend/internal/config
 */

package mercado

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vigia-project/backend/internal/config"
)

const (
	DefaultTimeout = 10 * time.Second
)

// APIError carries a non-2xx upstream status so callers can classify it
// (401 triggers a token refresh, 403 a policy backoff, 429 the circuit).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace api error: status %d", e.StatusCode)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	timeout := DefaultTimeout
	if cfg.Mercado.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Mercado.TimeoutSeconds) * time.Second
	}
	return &Client{
		BaseURL: cfg.Mercado.APIURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ItemResult wraps an item-by-id response together with its caching state
type ItemResult struct {
	Item        *Item
	NotModified bool
	Etag        string
}

// GetItem fetches a single item. A non-empty etag is sent as If-None-Match;
// a 304 response yields NotModified=true with no body. A non-empty token is
// sent as a Bearer credential; an empty token performs an anonymous request.
func (c *Client) GetItem(ctx context.Context, itemID, etag, token string) (*ItemResult, error) {
	u := fmt.Sprintf("%s/items/%s", c.BaseURL, itemID)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	setAuth(req, token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &ItemResult{NotModified: true, Etag: etag}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}

	var item Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("failed to decode item %s: %w", itemID, err)
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	return &ItemResult{Item: &item, Etag: resp.Header.Get("ETag")}, nil
}

// GetItemPrices fetches the payment-method price breakdown for an item
func (c *Client) GetItemPrices(ctx context.Context, itemID, token string) (*PricesResponse, error) {
	u := fmt.Sprintf("%s/items/%s/prices", c.BaseURL, itemID)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	setAuth(req, token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}

	var prices PricesResponse
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return nil, fmt.Errorf("failed to decode prices for %s: %w", itemID, err)
	}
	if err := prices.Validate(); err != nil {
		return nil, err
	}

	return &prices, nil
}

// GetCatalogItems fetches the competing offers under a catalog product
func (c *Client) GetCatalogItems(ctx context.Context, catalogID, token string) (*CatalogItemsResponse, error) {
	u := fmt.Sprintf("%s/products/%s/items", c.BaseURL, catalogID)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	setAuth(req, token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}

	var items CatalogItemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode catalog items for %s: %w", catalogID, err)
	}

	return &items, nil
}

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
}

func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}
