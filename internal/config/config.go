// Package config loads service configuration from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config is the service configuration. YAML values override the environment.
type Config struct {
	StoreDriver  string `yaml:"store_driver" validate:"oneof=postgres sqlite memory"`
	DatabaseURL  string `yaml:"database_url" validate:"required_if=StoreDriver postgres"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
	SQLitePath   string `yaml:"sqlite_path" validate:"required_if=StoreDriver sqlite"`
	HTTPAddr     string `yaml:"http_addr" validate:"required"`
	Timezone     string `yaml:"timezone" validate:"required"`

	IngestWorkers      int           `yaml:"ingest_workers" validate:"gte=1,lte=256"`
	ConflictMaxRetries int           `yaml:"conflict_max_retries" validate:"gte=0,lte=20"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`

	JWTSecret         string `yaml:"jwt_secret" validate:"required"`
	IngestSecret      string `yaml:"ingest_secret"`
	IngestSkewSeconds int    `yaml:"ingest_max_skew_seconds" validate:"gte=0"`

	SentryDSN         string `yaml:"sentry_dsn"`
	SentryEnvironment string `yaml:"sentry_environment"`
}

// Load reads the environment, overlays CONFIG_FILE when set and validates.
func Load() (Config, error) {
	cfg := FromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from environment variables and defaults.
func FromEnv() Config {
	return Config{
		StoreDriver:        getenvDefault("STORE_DRIVER", DriverPostgres),
		DatabaseURL:        getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		MaxOpenConns:       getenvIntDefault("DB_MAX_OPEN_CONNS", 16),
		SQLitePath:         getenvDefault("SQLITE_PATH", "transit-dwh.db"),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		Timezone:           getenvDefault("TIMEZONE", "UTC"),
		IngestWorkers:      getenvIntDefault("INGEST_WORKERS", 8),
		ConflictMaxRetries: getenvIntDefault("CONFLICT_MAX_RETRIES", 5),
		CacheTTL:           getenvDuration("CACHE_TTL", 30*time.Minute),
		JWTSecret:          getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret:       getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds:  getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
		SentryDSN:          getenvDefault("SENTRY_DSN", ""),
		SentryEnvironment:  getenvDefault("SENTRY_ENVIRONMENT", "production"),
	}
}

// Validate checks the struct tags and the time zone name.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("config: %s failed %s", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// IngestSkew is the accepted clock skew of signed ingest requests.
func (c Config) IngestSkew() time.Duration {
	return time.Duration(c.IngestSkewSeconds) * time.Second
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
