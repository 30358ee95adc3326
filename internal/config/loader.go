package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Load from YAML file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if val := os.Getenv("FIELDSYNC_DATA_DIR"); val != "" {
		cfg.Storage.DataDir = val
	}

	if val := os.Getenv("FIELDSYNC_SYNC_INTERVAL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Sync.Interval = n
		}
	}
	if val := os.Getenv("FIELDSYNC_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Sync.MaxConcurrentOperations = n
		}
	}
	if val := os.Getenv("FIELDSYNC_AUTO_SYNC"); val != "" {
		cfg.Sync.AutoSync = val == "true" || val == "1"
	}
	if val := os.Getenv("FIELDSYNC_ALLOW_CELLULAR"); val != "" {
		cfg.Sync.AllowCellular = val == "true" || val == "1"
	}

	if val := os.Getenv("FIELDSYNC_CONFLICT_STRATEGY"); val != "" {
		cfg.Conflict.DefaultStrategy = val
	}

	if val := os.Getenv("FIELDSYNC_API_URL"); val != "" {
		cfg.Remote.BaseURL = val
	}

	if val := os.Getenv("OTEL_ENDPOINT"); val != "" {
		cfg.Observability.OTELEndpoint = val
	}
	if val := os.Getenv("FIELDSYNC_LOG_LEVEL"); val != "" {
		cfg.Observability.LogLevel = val
	}
}
