package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          string
	DatabaseURL   string
	SessionSecret string

	CookieDomain  string
	SecureCookies bool

	BackendBaseURL     string
	BackendTimeout     time.Duration
	SchemaSetupTimeout time.Duration
	BackendMaxTries    int
	BackendRetryWait   time.Duration
	BreakerThreshold   int
	BreakerCooldown    time.Duration

	RateLimitPerMinute       int
	RateLimitBurst           int
	TenantRateLimitPerMinute int
	TenantRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("SESSION_PORT")
	if port == "" {
		port = "8084"
	}

	return Config{
		Port:          port,
		DatabaseURL:   os.Getenv("DB_DSN"),
		SessionSecret: os.Getenv("SESSION_SECRET"),

		CookieDomain:  os.Getenv("COOKIE_DOMAIN"),
		SecureCookies: os.Getenv("APP_ENV") == "production",

		BackendBaseURL:     os.Getenv("BACKEND_API_URL"),
		BackendTimeout:     readDuration("BACKEND_TIMEOUT", 10*time.Second),
		SchemaSetupTimeout: readDuration("SCHEMA_SETUP_TIMEOUT", 30*time.Second),
		BackendMaxTries:    readInt("BACKEND_MAX_TRIES", 3),
		BackendRetryWait:   readDuration("BACKEND_RETRY_WAIT", 500*time.Millisecond),
		BreakerThreshold:   readInt("BACKEND_BREAKER_THRESHOLD", 5),
		BreakerCooldown:    readDuration("BACKEND_BREAKER_COOLDOWN", 30*time.Second),

		RateLimitPerMinute:       readInt("SESSION_RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("SESSION_RATE_LIMIT_BURST", 30),
		TenantRateLimitPerMinute: readInt("SESSION_TENANT_RATE_LIMIT_PER_MIN", 300),
		TenantRateLimitBurst:     readInt("SESSION_TENANT_RATE_LIMIT_BURST", 60),
	}
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
