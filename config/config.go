// Package config loads server settings from .env and the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DBDriver    string // sqlite3 or postgres
	DatabaseURL string

	// Redis (remote ledger); empty runs SQL-only
	RedisURL string

	// Catalog file overriding the compiled-in tiers, rewards and coupons
	CatalogPath string

	// Loyalty
	ExpirySweepInterval time.Duration
	ReferralPayout      string // none or bonus_points
	ReferralBonusPoints int64

	// CORS
	AllowedOrigins []string

	// Logging
	LogLevel string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	return &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		DBDriver:    getEnv("DB_DRIVER", "sqlite3"),
		DatabaseURL: getEnv("DATABASE_URL", "loyalty.db"),

		RedisURL: getEnv("REDIS_URL", ""),

		CatalogPath: getEnv("CATALOG_PATH", ""),

		ExpirySweepInterval: parseDuration(getEnv("EXPIRY_SWEEP_INTERVAL", "2m"), 2*time.Minute),
		ReferralPayout:      getEnv("REFERRAL_PAYOUT", "none"),
		ReferralBonusPoints: int64(parseInt(getEnv("REFERRAL_BONUS_POINTS", "50"), 50)),

		AllowedOrigins: parseStringSlice(getEnv("ALLOWED_ORIGINS", "*")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	value, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseStringSlice(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev"
}
