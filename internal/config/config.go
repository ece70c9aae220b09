package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the civicmap service.
// Environment variables are parsed from the CIVICMAP_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Postgres Configuration (PostGIS required)
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Redis cache / notification bus
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Cluster index tuning
	ClusterRadius  float64 `envconfig:"CLUSTER_RADIUS" default:"60"`
	ClusterExtent  int     `envconfig:"CLUSTER_EXTENT" default:"512"`
	ClusterMinZoom int     `envconfig:"CLUSTER_MIN_ZOOM" default:"0"`
	ClusterMaxZoom int     `envconfig:"CLUSTER_MAX_ZOOM" default:"16"`

	// Sync engine
	SyncMaxAttempts     int `envconfig:"SYNC_MAX_ATTEMPTS" default:"5"`
	SyncCleanupPageSize int `envconfig:"SYNC_CLEANUP_PAGE_SIZE" default:"5000"`

	// Geocoding (address lookup during ETL)
	GeocodeURL      string `envconfig:"GEOCODE_URL" default:""`
	GeocodeCacheTTL int    `envconfig:"GEOCODE_CACHE_TTL_SECONDS" default:"86400"`

	// Health checking
	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"30"`
	HealthProbeTimeoutSeconds int `envconfig:"HEALTH_PROBE_TIMEOUT_SECONDS" default:"2"`
}

// ResolveDefaults validates derived settings.
func (c *Config) ResolveDefaults() error {
	if c.ClusterMinZoom < 0 || c.ClusterMaxZoom < c.ClusterMinZoom {
		return fmt.Errorf("invalid cluster zoom range: %d..%d", c.ClusterMinZoom, c.ClusterMaxZoom)
	}
	if c.ClusterExtent <= 0 {
		return fmt.Errorf("cluster extent must be positive, got %d", c.ClusterExtent)
	}
	if c.SyncCleanupPageSize <= 0 {
		c.SyncCleanupPageSize = 5000
	}
	if c.SyncMaxAttempts <= 0 {
		c.SyncMaxAttempts = 5
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Environment variables should be prefixed with CIVICMAP_
// Example: CIVICMAP_HTTP_PORT, CIVICMAP_POSTGRES_DSN.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("CIVICMAP", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Int("port", cfg.HTTPPort).
		Bool("postgres_dsn_present", cfg.PostgresDSN != "").
		Str("redis_addr", cfg.RedisAddr).
		Float64("cluster_radius", cfg.ClusterRadius).
		Int("cluster_max_zoom", cfg.ClusterMaxZoom).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing.
func NewForTesting() *Config {
	cfg := &Config{
		Environment:         EnvTesting,
		HTTPPort:            8080,
		RedisAddr:           "localhost:6379",
		ClusterRadius:       60,
		ClusterExtent:       512,
		ClusterMaxZoom:      16,
		SyncMaxAttempts:     3,
		SyncCleanupPageSize: 100,
	}
	return cfg
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsDevelopment returns true if the environment is set to development.
// The development profile skips the eager default cluster-index build.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
