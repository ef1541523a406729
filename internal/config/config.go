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
	DefaultCollectorURL = "https://violet.ghtinc.com/tracking/track/v2"
	DefaultAppURL       = "https://shopify-ddkt-analysis-tracking.vercel.app"
)

type Config struct {
	// Database
	DatabaseURL string

	// Redis (install locks). Empty means in-process locking.
	RedisURL string

	// Kafka
	KafkaBrokers string
	KafkaTopic   string
	KafkaGroupID string

	// Worker
	WorkerMetricsAddr string

	// API Configuration
	APIPort     string
	APIHost     string
	AdminAPIKey string

	// Shopify
	ShopifyAPIKey    string
	ShopifyAPISecret string
	ShopifyAppURL    string
	ShopifyScopes    []string
	ShopifyVersion   string
	ShopCustomDomain string

	// Relay
	CollectorURL    string
	PixelPath       string
	RelayQueueSize  int
	PixelCacheSize  int
	InstallAttempts int
	InstallBackoff  time.Duration
	// InstallLockTTL bounds one install run; zero derives it from attempts.
	InstallLockTTL time.Duration

	// Environment
	Env      string
	LogLevel string
}

func Load() (*Config, error) {
	// Load .env file
	godotenv.Load()

	cfg := &Config{
		DatabaseURL:       getEnv("DATABASE_URL", "sqlite://pixelrelay.db"),
		RedisURL:          getEnv("REDIS_URL", ""),
		KafkaBrokers:      getEnv("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "storefront-events"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "pixelrelay-worker"),
		WorkerMetricsAddr: getEnv("WORKER_METRICS_ADDR", ""),
		APIPort:           getEnv("API_PORT", "8080"),
		APIHost:           getEnv("API_HOST", "0.0.0.0"),
		AdminAPIKey:       getEnv("ADMIN_API_KEY", ""),
		ShopifyAPIKey:     getEnv("SHOPIFY_API_KEY", ""),
		ShopifyAPISecret:  getEnv("SHOPIFY_API_SECRET", ""),
		ShopifyAppURL:     strings.TrimSuffix(getEnv("SHOPIFY_APP_URL", DefaultAppURL), "/"),
		ShopifyScopes:     splitList(getEnv("SCOPES", "write_script_tags,read_script_tags,read_pixels,write_pixels")),
		ShopifyVersion:    getEnv("SHOPIFY_API_VERSION", "2025-01"),
		ShopCustomDomain:  getEnv("SHOP_CUSTOM_DOMAIN", ""),
		CollectorURL:      getEnv("COLLECTOR_URL", DefaultCollectorURL),
		PixelPath:         getEnv("PIXEL_PATH", "public/pixel.js"),
		RelayQueueSize:    getEnvAsInt("RELAY_QUEUE_SIZE", 256),
		PixelCacheSize:    getEnvAsInt("PIXEL_CACHE_SIZE", 1024),
		InstallAttempts:   getEnvAsInt("INSTALL_ATTEMPTS", 3),
		InstallBackoff:    getEnvAsDuration("INSTALL_BACKOFF", 500*time.Millisecond),
		InstallLockTTL:    getEnvAsDuration("INSTALL_LOCK_TTL", 0),
		Env:               getEnv("ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	if cfg.RelayQueueSize <= 0 {
		return nil, fmt.Errorf("RELAY_QUEUE_SIZE must be positive")
	}
	if cfg.PixelCacheSize <= 0 {
		return nil, fmt.Errorf("PIXEL_CACHE_SIZE must be positive")
	}
	if cfg.InstallAttempts <= 0 {
		return nil, fmt.Errorf("INSTALL_ATTEMPTS must be positive")
	}
	if cfg.InstallLockTTL < 0 {
		return nil, fmt.Errorf("INSTALL_LOCK_TTL must not be negative")
	}

	return cfg, nil
}

// Validate checks the settings the API server cannot start without.
// The worker only needs Kafka and the collector, so it skips this.
func (c *Config) Validate() error {
	var missing []string
	if c.ShopifyAPIKey == "" {
		missing = append(missing, "SHOPIFY_API_KEY")
	}
	if c.ShopifyAPISecret == "" {
		missing = append(missing, "SHOPIFY_API_SECRET")
	}
	if c.ShopifyAppURL == "" {
		missing = append(missing, "SHOPIFY_APP_URL")
	}
	if len(c.ShopifyScopes) == 0 {
		missing = append(missing, "SCOPES")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// KafkaBrokerList splits the comma separated KAFKA_BROKERS value.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
