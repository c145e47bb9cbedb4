package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// Server settings
	ServerPort string
	LogFile    string
	Timezone   string

	// OpenTelemetry settings
	OTLPEndpoint     string
	ServiceName      string
	Environment      string
	TelemetryEnabled bool

	// Store settings
	StoreDriver string
	DatabaseDSN string
	DBDebug     bool

	// Stats cache; disabled when RedisAddr is empty
	RedisAddr     string
	StatsCacheTTL time.Duration

	// Auth settings
	JWTSecret    string
	JWTIssuer    string
	JWTTTL       time.Duration
	AuthDevLogin bool
}

// Load returns configuration from environment variables with sensible
// defaults. Variables from a .env file in the working directory are loaded
// first without overriding the real environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		LogFile:      getEnv("LOG_FILE", ""),
		Timezone:     getEnv("TIMEZONE", "Local"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName:  getEnv("OTEL_SERVICE_NAME", "task-tracker"),
		Environment:  getEnv("ENVIRONMENT", "development"),
		StoreDriver:  getEnv("STORE_DRIVER", "sqlite"),
		DatabaseDSN:  getEnv("DATABASE_DSN", "tasks.db"),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", "task-tracker"),
	}

	var err error
	if cfg.TelemetryEnabled, err = getBool("TELEMETRY_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.DBDebug, err = getBool("DB_DEBUG", false); err != nil {
		return nil, err
	}
	if cfg.AuthDevLogin, err = getBool("AUTH_DEV_LOGIN", false); err != nil {
		return nil, err
	}
	if cfg.StatsCacheTTL, err = getDuration("STATS_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.JWTTTL, err = getDuration("JWT_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER: unsupported driver %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.JWTTTL <= 0 {
		return errors.New("JWT_TTL must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone, the zone whose calendar day bounds "due today".
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
