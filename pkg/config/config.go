// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Provider  ProviderConfig
	Earnings  EarningsConfig
	Fees      FeeConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// ProviderConfig describes the external payment gateway boundary. Name
// scopes idempotency keys so records from a future second gateway cannot
// collide with this one's.
type ProviderConfig struct {
	Name          string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	OriginTag     string
	Timeout       time.Duration
}

// EarningsConfig controls the courier earnings release window and batching.
type EarningsConfig struct {
	ReleaseDelay    time.Duration
	MaturationEvery time.Duration
	BatchSize       int
}

// RateLimitConfig sizes the fixed-window request budgets. The public budget
// covers unauthenticated traffic; the authed budget applies per caller under
// /api.
type RateLimitConfig struct {
	PublicPerWindow int
	AuthedPerWindow int
	Window          time.Duration
}

type FeeConfig struct {
	PayoutFeePercent float64
	PayoutFeeCap     int64

	// Delivery pricing. Each party pays DeliveryFeePerParty; the courier
	// earns CourierSharePercent of the combined fee.
	DeliveryFeePerParty int64
	CourierSharePercent float64
	PlatformCurrency    string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "change-this-secret"),
			Expiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),
		},
		Provider: ProviderConfig{
			Name:          getEnv("PAYMENT_PROVIDER_NAME", "primary"),
			BaseURL:       getEnv("PAYMENT_PROVIDER_URL", "https://api.payments.example.com"),
			APIKey:        getEnv("PAYMENT_PROVIDER_API_KEY", ""),
			WebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			OriginTag:     getEnv("PAYMENT_ORIGIN_TAG", "medex"),
			Timeout:       getDurationEnv("PAYMENT_PROVIDER_TIMEOUT", 15*time.Second),
		},
		Earnings: EarningsConfig{
			ReleaseDelay:    getDurationEnv("EARNINGS_RELEASE_DELAY", 24*time.Hour),
			MaturationEvery: getDurationEnv("EARNINGS_MATURATION_INTERVAL", time.Hour),
			BatchSize:       getIntEnv("EARNINGS_BATCH_SIZE", 200),
		},
		RateLimit: RateLimitConfig{
			PublicPerWindow: getIntEnv("RATE_LIMIT_PUBLIC", 150),
			AuthedPerWindow: getIntEnv("RATE_LIMIT_AUTHED", 60),
			Window:          getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		},
		Fees: FeeConfig{
			PayoutFeePercent: getFloatEnv("PAYOUT_FEE_PERCENT", 1.5),
			PayoutFeeCap:     int64(getIntEnv("PAYOUT_FEE_CAP", 100000)),

			DeliveryFeePerParty: int64(getIntEnv("DELIVERY_FEE_PER_PARTY", 500)),
			CourierSharePercent: getFloatEnv("COURIER_SHARE_PERCENT", 80),
			PlatformCurrency:    getEnv("PLATFORM_CURRENCY", "XOF"),
		},
	}
}

// ValidateCore rejects configurations that cannot serve traffic safely.
func (c *Config) ValidateCore() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.JWT.Secret == "" || c.JWT.Secret == "change-this-secret" {
		return errors.New("JWT_SECRET must be set to a non-default value")
	}
	if c.Provider.WebhookSecret == "" {
		return errors.New("PAYMENT_WEBHOOK_SECRET is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
