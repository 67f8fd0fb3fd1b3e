package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration with defaults < config file < environment
// precedence. Environment variables use the INSPECTD_ prefix with
// underscores for section separators (INSPECTD_DATABASE_URL,
// INSPECTD_KEA_MAX_RETRIES and so on). configPath may be empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("database.url", def.Database.URL)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("nats.url", "")
	v.SetDefault("kea.url", "")
	v.SetDefault("kea.request_timeout", def.Kea.RequestTimeout.String())
	v.SetDefault("kea.max_retries", def.Kea.MaxRetries)

	v.SetEnvPrefix("INSPECTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		NATS: NATSConfig{URL: v.GetString("nats.url")},
		Kea: KeaConfig{
			URL:            v.GetString("kea.url"),
			RequestTimeout: v.GetDuration("kea.request_timeout"),
			MaxRetries:     v.GetInt("kea.max_retries"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
