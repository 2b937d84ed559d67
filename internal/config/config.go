/**
 * @description
 * Configuration loader for Vigia Backend.
 * Responsible for reading environment variables, setting defaults, and performing strict validation.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files
 * - standard "os": For reading env vars
 * - standard "fmt": For error reporting
 *
 * @notes
 * - Fails fast if critical variables (Database URL) are missing.
 * - Every tuning threshold of the monitoring engine lives here so tests can
 *   build a Config by hand instead of mutating the process environment.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	Mercado   MercadoConfig
	Scraper   ScraperConfig
	Policy    PolicyConfig
	Resolver  ResolverConfig
	Guards    GuardsConfig
	RateLimit RateLimitConfig
	Run       RunConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port string
	Env  string // "development" or "production"
}

// DBConfig holds PostgreSQL settings
type DBConfig struct {
	URL string
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	URL string
}

// MercadoConfig holds marketplace API endpoints and OAuth credentials
type MercadoConfig struct {
	APIURL           string
	AuthURL          string
	ClientID         string
	ClientSecret     string
	SeedAccessToken  string // used to bootstrap the token row when the store is empty
	SeedRefreshToken string
	TimeoutSeconds   int
}

// ScraperConfig holds settings for the HTML price-extraction fallback
type ScraperConfig struct {
	ProxyFetchURL  string // optional proxying fetch service, %s is replaced with the target URL
	TextProxyURL   string // last-resort text-extraction proxy
	UserAgent      string
	TimeoutSeconds int
}

// PolicyConfig drives the priority/TTL scheduling policy
type PolicyConfig struct {
	TTLHighMinutes     int
	TTLMedMinutes      int
	TTLLowMinutes      int
	TTLVolatileMinutes int // clamp for HIGH products matching the volatile-name heuristic
	HighClickThreshold int
	NewProductHours    int
}

// ResolverConfig drives multi-source price-signal resolution
type ResolverConfig struct {
	ScraperRatioLow     float64 // scraped/api below this is rejected as implausibly cheap
	ScraperRatioHigh    float64 // scraped/api above this is rejected as a stale list price
	MinPixDiscountAbs   float64 // minimum absolute discount before a scraped pix price counts
	MinPixDiscountPct   float64
	AllowScraperOnly    bool    // relaxed mode: accept a scraper price with no API confirmation
	OriginalMaxDiscount float64 // original_price may exceed final by at most this discount ratio
	OriginalMaxMultiple float64 // and by at most this multiple
}

// GuardsConfig drives the outlier and untrusted-drop guards
type GuardsConfig struct {
	OutlierPct          float64
	OutlierAbs          float64
	UntrustedDropPct    float64
	UntrustedDropAbs    float64
	FreezeHours         int // window after a confirmed check during which changes are deferred
	RecheckMinutes      int // short reschedule applied to deferred candidates
	ConfirmObservations int // consecutive observations required to accept a suspect price
}

// RateLimitConfig drives the per-domain throttle and circuit breaker
type RateLimitConfig struct {
	MinGapSeconds  float64
	MaxGapSeconds  float64
	ErrorThreshold int
	OpenSeconds    int
}

// RunConfig drives the orchestrator and job queue
type RunConfig struct {
	BatchSize          int
	BudgetSeconds      int
	MaxDepth           int
	RetrySeconds       int
	BackoffBaseSeconds int
	BackoffCapSeconds  int
	LockTTLSeconds     int
	JobSecret          string // shared secret for the trigger surface
	AlertURL           string // optional downstream price-drop alert service
}

// Load reads .env file and populates the Config struct
func Load() (*Config, error) {
	// Attempt to load .env, but don't crash if it fails (k8s/prod might inject env vars directly)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("GO_ENV", "development"),
		},
		DB: DBConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Mercado: MercadoConfig{
			APIURL:           getEnv("MERCADO_API_URL", "https://api.mercadolibre.com"),
			AuthURL:          getEnv("MERCADO_AUTH_URL", "https://api.mercadolibre.com/oauth/token"),
			ClientID:         sanitizeCredential(getEnv("MERCADO_CLIENT_ID", "")),
			ClientSecret:     sanitizeCredential(getEnv("MERCADO_CLIENT_SECRET", "")),
			SeedAccessToken:  sanitizeCredential(getEnv("MERCADO_ACCESS_TOKEN", "")),
			SeedRefreshToken: sanitizeCredential(getEnv("MERCADO_REFRESH_TOKEN", "")),
			TimeoutSeconds:   getEnvAsInt("MERCADO_TIMEOUT_SECONDS", 10),
		},
		Scraper: ScraperConfig{
			ProxyFetchURL:  getEnv("SCRAPER_PROXY_URL", ""),
			TextProxyURL:   getEnv("SCRAPER_TEXT_PROXY_URL", ""),
			UserAgent:      getEnv("SCRAPER_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"),
			TimeoutSeconds: getEnvAsInt("SCRAPER_TIMEOUT_SECONDS", 20),
		},
		Policy: PolicyConfig{
			TTLHighMinutes:     getEnvAsInt("POLICY_TTL_HIGH_MINUTES", 60),
			TTLMedMinutes:      getEnvAsInt("POLICY_TTL_MED_MINUTES", 360),
			TTLLowMinutes:      getEnvAsInt("POLICY_TTL_LOW_MINUTES", 1440),
			TTLVolatileMinutes: getEnvAsInt("POLICY_TTL_VOLATILE_MINUTES", 30),
			HighClickThreshold: getEnvAsInt("POLICY_HIGH_CLICK_THRESHOLD", 50),
			NewProductHours:    getEnvAsInt("POLICY_NEW_PRODUCT_HOURS", 24),
		},
		Resolver: ResolverConfig{
			ScraperRatioLow:     getEnvAsFloat("RESOLVER_SCRAPER_RATIO_LOW", 0.5),
			ScraperRatioHigh:    getEnvAsFloat("RESOLVER_SCRAPER_RATIO_HIGH", 1.5),
			MinPixDiscountAbs:   getEnvAsFloat("RESOLVER_MIN_PIX_DISCOUNT_ABS", 2.0),
			MinPixDiscountPct:   getEnvAsFloat("RESOLVER_MIN_PIX_DISCOUNT_PCT", 0.03),
			AllowScraperOnly:    getEnvAsBool("RESOLVER_ALLOW_SCRAPER_ONLY", false),
			OriginalMaxDiscount: getEnvAsFloat("RESOLVER_ORIGINAL_MAX_DISCOUNT", 0.7),
			OriginalMaxMultiple: getEnvAsFloat("RESOLVER_ORIGINAL_MAX_MULTIPLE", 4.0),
		},
		Guards: GuardsConfig{
			OutlierPct:          getEnvAsFloat("GUARD_OUTLIER_PCT", 0.3),
			OutlierAbs:          getEnvAsFloat("GUARD_OUTLIER_ABS", 60.0),
			UntrustedDropPct:    getEnvAsFloat("GUARD_UNTRUSTED_DROP_PCT", 0.15),
			UntrustedDropAbs:    getEnvAsFloat("GUARD_UNTRUSTED_DROP_ABS", 30.0),
			FreezeHours:         getEnvAsInt("GUARD_FREEZE_HOURS", 6),
			RecheckMinutes:      getEnvAsInt("GUARD_RECHECK_MINUTES", 20),
			ConfirmObservations: getEnvAsInt("GUARD_CONFIRM_OBSERVATIONS", 2),
		},
		RateLimit: RateLimitConfig{
			MinGapSeconds:  getEnvAsFloat("RATELIMIT_MIN_GAP_SECONDS", 8),
			MaxGapSeconds:  getEnvAsFloat("RATELIMIT_MAX_GAP_SECONDS", 20),
			ErrorThreshold: getEnvAsInt("RATELIMIT_ERROR_THRESHOLD", 5),
			OpenSeconds:    getEnvAsInt("RATELIMIT_OPEN_SECONDS", 900),
		},
		Run: RunConfig{
			BatchSize:          getEnvAsInt("RUN_BATCH_SIZE", 25),
			BudgetSeconds:      getEnvAsInt("RUN_BUDGET_SECONDS", 240),
			MaxDepth:           getEnvAsInt("RUN_MAX_DEPTH", 8),
			RetrySeconds:       getEnvAsInt("RUN_RETRY_SECONDS", 300),
			BackoffBaseSeconds: getEnvAsInt("RUN_BACKOFF_BASE_SECONDS", 120),
			BackoffCapSeconds:  getEnvAsInt("RUN_BACKOFF_CAP_SECONDS", 21600),
			LockTTLSeconds:     getEnvAsInt("RUN_LOCK_TTL_SECONDS", 600),
			JobSecret:          sanitizeCredential(getEnv("JOB_CHECK_SECRET", "")),
			AlertURL:           getEnv("PRICE_ALERT_URL", ""),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DB.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Mercado.ClientID == "" && cfg.Server.Env != "test" {
		// Warning: anonymous fallback still works, but token refresh will fail
		fmt.Println("Warning: MERCADO_CLIENT_ID is missing. OAuth refresh will fail.")
	}
	if cfg.RateLimit.MaxGapSeconds < cfg.RateLimit.MinGapSeconds {
		return fmt.Errorf("RATELIMIT_MAX_GAP_SECONDS must be >= RATELIMIT_MIN_GAP_SECONDS")
	}
	if cfg.Run.MaxDepth < 0 {
		return fmt.Errorf("RUN_MAX_DEPTH must be >= 0")
	}
	return nil
}

// Helper to get env var with default
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func sanitizeCredential(value string) string {
	trimmed := strings.TrimSpace(value)
	return strings.Trim(trimmed, "\"")
}

// Helper to get env var as int
func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// Helper to get env var as float
func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

// Helper to get env var as bool
func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
