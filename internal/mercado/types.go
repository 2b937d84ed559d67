/**
 * @description
 * Response DTOs for the marketplace API.
 * Each endpoint gets an explicit typed shape with validated parsing, so
 * malformed payloads are rejected at the boundary instead of being
 * defensively unwrapped throughout the engine.
 *
 * @dependencies
 * - encoding/json
 */

package mercado

import (
	"fmt"
	"strings"
)

// Item is the item-by-id payload
type Item struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	CatalogProductID string   `json:"catalog_product_id"`
	Price            float64  `json:"price"`
	BasePrice        float64  `json:"base_price"`
	OriginalPrice    float64  `json:"original_price"`
	Status           string   `json:"status"` // "active", "paused", "closed", "under_review"
	SubStatus        []string `json:"sub_status"`
	Permalink        string   `json:"permalink"`
}

// Validate rejects shapes the engine cannot act on
func (i *Item) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("item payload missing id")
	}
	if i.Price < 0 {
		return fmt.Errorf("item %s has negative price %.2f", i.ID, i.Price)
	}
	return nil
}

// Listed reports whether the item is visible to buyers
func (i *Item) Listed() bool {
	return i.Status == "active"
}

// PriceEntry is one entry of the prices-by-item payment breakdown
type PriceEntry struct {
	Type              string   `json:"type"` // "standard" or "promotion"
	Amount            float64  `json:"amount"`
	RegularAmount     *float64 `json:"regular_amount"`
	PaymentMethodType string   `json:"payment_method_type"` // e.g. "pix", empty for all methods
}

// PricesResponse is the prices-by-item payload
type PricesResponse struct {
	ID     string       `json:"id"`
	Prices []PriceEntry `json:"prices"`
}

// Validate rejects shapes the engine cannot act on
func (r *PricesResponse) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("prices payload missing item id")
	}
	for _, p := range r.Prices {
		if p.Amount < 0 {
			return fmt.Errorf("prices payload for %s has negative amount", r.ID)
		}
	}
	return nil
}

// BasePrice returns the standard (all payment methods) price, promotion
// entries first, or nil when the payload carries none.
func (r *PricesResponse) BasePrice() *float64 {
	var standard *float64
	for i := range r.Prices {
		p := &r.Prices[i]
		if p.PaymentMethodType != "" {
			continue
		}
		switch p.Type {
		case "promotion":
			return &p.Amount
		case "standard":
			if standard == nil {
				standard = &p.Amount
			}
		}
	}
	return standard
}

// PixPrice returns the instant-payment (pix) price, or nil when absent
func (r *PricesResponse) PixPrice() *float64 {
	for i := range r.Prices {
		p := &r.Prices[i]
		if strings.EqualFold(p.PaymentMethodType, "pix") && p.Amount > 0 {
			return &p.Amount
		}
	}
	return nil
}

// CatalogItem is one competing offer under a catalog product
type CatalogItem struct {
	ItemID        string  `json:"item_id"`
	Price         float64 `json:"price"`
	OriginalPrice float64 `json:"original_price"`
	SellerID      int64   `json:"seller_id"`
	Winner        bool    `json:"winner"` // buy-box winner
}

// CatalogItemsResponse is the "items under a catalog product" payload
type CatalogItemsResponse struct {
	Results []CatalogItem `json:"results"`
}

// BestOffer returns the buy-box winner, falling back to the cheapest listed
// offer, or nil when the catalog has no offers.
func (r *CatalogItemsResponse) BestOffer() *CatalogItem {
	var best *CatalogItem
	for i := range r.Results {
		item := &r.Results[i]
		if item.Price <= 0 {
			continue
		}
		if item.Winner {
			return item
		}
		if best == nil || item.Price < best.Price {
			best = item
		}
	}
	return best
}

// TokenResponse is the OAuth token endpoint payload
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// Validate rejects token payloads the engine cannot use
func (t *TokenResponse) Validate() error {
	if strings.TrimSpace(t.AccessToken) == "" {
		return fmt.Errorf("token payload missing access_token")
	}
	return nil
}
