/**
 * @description
 * Scraping fallback for product pages.
 * Fetches the public product page HTML (directly, then via the proxying
 * fetch service), falling back to a text-extraction proxy when neither
 * yields a price. Used by the orchestrator only when the API produced no
 * alternate-payment signal.
 *
 * @dependencies
 * - net/http
 * - github.com/PuerkitoBio/goquery
 * - backend/internal/config
 */

package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/logger"
)

const (
	// Short pause before each fetch so scrapes stay polite even when the
	// domain gate has already throttled the API side.
	fetchDelay = 2 * time.Second

	maxBodyBytes = 4 << 20
)

type Scraper struct {
	cfg        config.ScraperConfig
	extractor  *Extractor
	HTTPClient *http.Client

	// sleep is swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg *config.Config) *Scraper {
	timeout := time.Duration(cfg.Scraper.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Scraper{
		cfg:       cfg.Scraper,
		extractor: NewExtractor(),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		sleep: sleepCtx,
	}
}

// FetchSignal fetches pageURL and extracts a price signal from it.
// Returns the signal plus the name of the strategy that produced it.
func (s *Scraper) FetchSignal(ctx context.Context, pageURL string) (*PageSignal, string, error) {
	if err := s.sleep(ctx, fetchDelay); err != nil {
		return nil, "", err
	}

	html, err := s.fetchHTML(ctx, pageURL)
	if err == nil {
		page, buildErr := buildPage(html)
		if buildErr == nil {
			if sig, strategy, ok := s.extractor.Extract(page); ok {
				return sig, strategy, nil
			}
		}
	} else {
		logger.Error("scraper: direct/proxy fetch of %s failed: %v", pageURL, err)
	}

	// Last resort: a text-extraction proxy strips the markup for us, so only
	// the text strategies can run.
	if s.cfg.TextProxyURL == "" {
		return nil, "", fmt.Errorf("no price found in page %s", pageURL)
	}
	text, err := s.fetchViaTextProxy(ctx, pageURL)
	if err != nil {
		return nil, "", err
	}
	if sig, strategy, ok := s.extractor.Extract(&Page{Text: text}); ok {
		return sig, strategy, nil
	}
	return nil, "", fmt.Errorf("no price found in page %s", pageURL)
}

// fetchHTML tries the page directly, then through the proxying fetch service
func (s *Scraper) fetchHTML(ctx context.Context, pageURL string) (string, error) {
	html, directErr := s.get(ctx, pageURL)
	if directErr == nil {
		return html, nil
	}
	if s.cfg.ProxyFetchURL == "" {
		return "", directErr
	}
	proxied := strings.Replace(s.cfg.ProxyFetchURL, "%s", url.QueryEscape(pageURL), 1)
	html, proxyErr := s.get(ctx, proxied)
	if proxyErr != nil {
		return "", fmt.Errorf("direct fetch: %v; proxy fetch: %w", directErr, proxyErr)
	}
	return html, nil
}

func (s *Scraper) fetchViaTextProxy(ctx context.Context, pageURL string) (string, error) {
	u := strings.Replace(s.cfg.TextProxyURL, "%s", url.QueryEscape(pageURL), 1)
	return s.get(ctx, u)
}

func (s *Scraper) get(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}

	// Browser-like headers; marketplaces answer bot user agents with 403s
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func buildPage(html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return &Page{Doc: doc, Text: doc.Text()}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
