package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName            = "KivuPay"
	defaultAppEnv             = "development"
	defaultPort               = "8080"
	defaultLogLevel           = "info"
	defaultShutdownDelay      = 10 * time.Second
	defaultSignatureTolerance = 5 * time.Minute
	defaultRateCacheTTL       = 60 * time.Second
	defaultRateStaleTolerance = 10 * time.Minute
	defaultRateFetchTimeout   = 3 * time.Second
	defaultApplyMaxRetries    = 3
	defaultAmountTolerance    = 1
)

// ProviderConfig holds the webhook credentials for one external payment provider.
type ProviderConfig struct {
	WebhookSecret string
	APIBaseURL    string
}

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration

	// Webhook verification.
	CardProcessor      ProviderConfig
	RegionalAggregator ProviderConfig
	WalletNetwork      ProviderConfig
	SignatureTolerance time.Duration

	// Exchange rate resolution.
	RateAPIURL         string
	RateCacheTTL       time.Duration
	RateStaleTolerance time.Duration
	RateFetchTimeout   time.Duration

	// Ledger engine behaviour.
	ApplyMaxRetries      int
	AmountToleranceMinor int64
}

// Load reads configuration values from the environment and populates a Config
// instance. A local .env file is honoured when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		CardProcessor: ProviderConfig{
			WebhookSecret: os.Getenv("CARD_WEBHOOK_SECRET"),
			APIBaseURL:    os.Getenv("CARD_API_URL"),
		},
		RegionalAggregator: ProviderConfig{
			WebhookSecret: os.Getenv("REGIONAL_WEBHOOK_SECRET"),
			APIBaseURL:    os.Getenv("REGIONAL_API_URL"),
		},
		WalletNetwork: ProviderConfig{
			WebhookSecret: os.Getenv("WALLETNET_WEBHOOK_SECRET"),
			APIBaseURL:    os.Getenv("WALLETNET_API_URL"),
		},
		SignatureTolerance:   defaultSignatureTolerance,
		RateAPIURL:           os.Getenv("RATE_API_URL"),
		RateCacheTTL:         defaultRateCacheTTL,
		RateStaleTolerance:   defaultRateStaleTolerance,
		RateFetchTimeout:     defaultRateFetchTimeout,
		ApplyMaxRetries:      defaultApplyMaxRetries,
		AmountToleranceMinor: defaultAmountTolerance,
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.SignatureTolerance, err = durationEnv("SIGNATURE_TOLERANCE", cfg.SignatureTolerance); err != nil {
		return Config{}, err
	}
	if cfg.RateCacheTTL, err = durationEnv("RATE_CACHE_TTL", cfg.RateCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.RateStaleTolerance, err = durationEnv("RATE_STALE_TOLERANCE", cfg.RateStaleTolerance); err != nil {
		return Config{}, err
	}
	if cfg.RateFetchTimeout, err = durationEnv("RATE_FETCH_TIMEOUT", cfg.RateFetchTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ApplyMaxRetries, err = intEnv("APPLY_MAX_RETRIES", cfg.ApplyMaxRetries); err != nil {
		return Config{}, err
	}
	tol, err := intEnv("AMOUNT_TOLERANCE_MINOR", int(cfg.AmountToleranceMinor))
	if err != nil {
		return Config{}, err
	}
	cfg.AmountToleranceMinor = int64(tol)

	if cfg.DatabaseURL == "" && !cfg.IsDev() {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" && !cfg.IsDev() {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the app runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
