package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment
// variables, with sensible defaults for local development.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Environment  string
}

// RedisConfig configures the three C1 connections (command, publisher, subscriber).
type RedisConfig struct {
	URL      string
	PoolSize int
}

// DatabaseConfig configures the C2 repository's Postgres handles.
type DatabaseConfig struct {
	TenantURL string
	AdminURL  string
}

// SecurityConfig configures bearer-token verification.
type SecurityConfig struct {
	JWTSecret     string
	CacheEnabled  bool
	SessionMaxAge time.Duration
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, applying the defaults
// documented in SPEC_FULL.md §3.3.
func Load() *Config {
	tenantURL := getEnv("DATABASE_URL", "postgres://localhost:5432/familycore?sslmode=disable")

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("LISTEN_ADDR", "0.0.0.0"),
			Port:         getEnv("LISTEN_PORT", "3001"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			Environment:  getEnv("LOG_ENV", "development"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Database: DatabaseConfig{
			TenantURL: tenantURL,
			AdminURL:  getEnv("DATABASE_ADMIN_URL", tenantURL),
		},
		Security: SecurityConfig{
			JWTSecret:     getEnv("JWT_SECRET", "your-secret-key"),
			CacheEnabled:  getEnv("CACHE_ENABLED", "true") != "false",
			SessionMaxAge: getEnvDuration("SESSION_MAX_AGE", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}
