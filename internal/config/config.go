// Package config loads arrakis configuration from the environment, 12-factor
// style. Required security-critical variables are NOT defaulted: the
// process refuses to start if they are absent (§4.B, §6).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds every environment-sourced setting for the gateway process.
type Config struct {
	HTTPPort    string
	LogLevel    string
	Environment string

	DatabaseURL string
	RedisURL    string

	PeerBaseURL string
	PeerJWKSURL string

	APIKeyPepper          string
	RateLimitSalt         string
	BillingAdminJWTSecret string
	BillingInternalSecret string

	ContractVersion string

	ReservationTTL        time.Duration
	HighValueThresholdUSD int64
	ReconcileInterval     time.Duration
}

// requiredEnvVars mirrors §6: the process MUST refuse to start without these.
var requiredEnvVars = []string{
	"API_KEY_PEPPER",
	"RATE_LIMIT_SALT",
	"BILLING_ADMIN_JWT_SECRET",
	"BILLING_INTERNAL_JWT_SECRET",
	"DATABASE_URL",
	"REDIS_URL",
	"PEER_BASE_URL",
	"PEER_JWKS_URL",
}

// Load reads configuration from the environment, returning an error (not a
// default) for any of the required security/dependency variables that are
// missing. Callers at process startup should treat a non-nil error as fatal.
func Load() (*Config, error) {
	var missing []string
	for _, name := range requiredEnvVars {
		if strings.TrimSpace(os.Getenv(name)) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}

	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		PeerBaseURL: os.Getenv("PEER_BASE_URL"),
		PeerJWKSURL: os.Getenv("PEER_JWKS_URL"),

		APIKeyPepper:          os.Getenv("API_KEY_PEPPER"),
		RateLimitSalt:         os.Getenv("RATE_LIMIT_SALT"),
		BillingAdminJWTSecret: os.Getenv("BILLING_ADMIN_JWT_SECRET"),
		BillingInternalSecret: os.Getenv("BILLING_INTERNAL_JWT_SECRET"),

		ContractVersion: getEnv("CONTRACT_VERSION", "1.0"),

		ReservationTTL:        getEnvDuration("RESERVATION_TTL", 10*time.Minute),
		HighValueThresholdUSD: getEnvInt64("HIGH_VALUE_THRESHOLD_USD", 100),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvInt64(key string, defaultValue int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultValue
	}
	return n
}
