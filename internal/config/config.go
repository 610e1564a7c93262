package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Config holds runtime configuration for the deployment API service.
type Config struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	TemplateRoot        string
	PortfolioServiceURL string
	VercelAPIURL        string
	VercelToken         string
	DeployTimeout       time.Duration
	PollInterval        time.Duration
	RetryMaxElapsed     time.Duration
	DomainSuffix        string
	AuthJWTSecret       string
	StatusStreamBuffer  int
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", ""),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "./migrations"),
		TemplateRoot:        GetString("TEMPLATE_ROOT", "./templates"),
		PortfolioServiceURL: GetString("PORTFOLIO_SERVICE_URL", "http://localhost:5201"),
		VercelAPIURL:        GetString("VERCEL_API_URL", "https://api.vercel.com"),
		VercelToken:         GetString("VERCEL_TOKEN", ""),
		DeployTimeout:       time.Duration(GetInt("DEPLOY_TIMEOUT_SECONDS", 300)) * time.Second,
		PollInterval:        time.Duration(GetInt("DEPLOY_POLL_SECONDS", 5)) * time.Second,
		RetryMaxElapsed:     time.Duration(GetInt("PLATFORM_RETRY_CEILING_SECONDS", 60)) * time.Second,
		DomainSuffix:        GetString("DEPLOY_DOMAIN_SUFFIX", ".vercel.app"),
		AuthJWTSecret:       GetString("JWT_SECRET", ""),
		StatusStreamBuffer:  GetInt("WS_STATUS_BUFFER", 100),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
