// Package config provides configuration management for the inspectd service.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Database DatabaseConfig
	Logging  LoggingConfig
	NATS     NATSConfig
	Kea      KeaConfig
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	// URL is a sqlite:// or postgres:// connection string.
	URL string
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string
	Format string
}

// NATSConfig controls lifecycle notifications. An empty URL disables
// publishing entirely.
type NATSConfig struct {
	URL string
}

// KeaConfig controls the DHCP backend client.
type KeaConfig struct {
	URL            string
	RequestTimeout time.Duration
	MaxRetries     int
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "sqlite://inspectd.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Kea: KeaConfig{
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
		},
	}
}

// Validate checks field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url must be set")
	}
	if !strings.HasPrefix(c.Database.URL, "sqlite://") && !strings.HasPrefix(c.Database.URL, "postgres://") {
		return fmt.Errorf("database.url must use sqlite:// or postgres://, got %q", c.Database.URL)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Kea.RequestTimeout <= 0 {
		return fmt.Errorf("kea.request_timeout must be positive, got %v", c.Kea.RequestTimeout)
	}
	if c.Kea.MaxRetries < 1 {
		return fmt.Errorf("kea.max_retries must be at least 1, got %d", c.Kea.MaxRetries)
	}
	return nil
}
