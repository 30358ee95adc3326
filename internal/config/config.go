package config

import (
	"fmt"
	"path/filepath"
)

// Config represents the complete engine configuration
type Config struct {
	Sync          SyncConfig          `yaml:"sync"`
	Conflict      ConflictConfig      `yaml:"conflict"`
	Remote        RemoteConfig        `yaml:"remote"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SyncConfig contains synchronization settings
type SyncConfig struct {
	Interval                int  `yaml:"interval"` // seconds
	MaxConcurrentOperations int  `yaml:"max_concurrent_operations"`
	MaxRetries              int  `yaml:"max_retries"`
	AutoSync                bool `yaml:"auto_sync"`
	AllowCellular           bool `yaml:"allow_cellular"`
	BackgroundSync          bool `yaml:"background_sync"`
}

// ConflictConfig contains conflict resolution settings. Strategies are
// validated against the resolver's known set: client_wins, server_wins,
// latest_wins, merge, manual.
type ConflictConfig struct {
	DefaultStrategy  string            `yaml:"default_strategy"`
	EntityStrategies map[string]string `yaml:"entity_strategies"`
	FieldStrategies  map[string]string `yaml:"field_strategies"`
}

// RemoteConfig points at the backend API
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig contains local persistence settings
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	OTELEndpoint   string `yaml:"otel_endpoint"`
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:                300, // 5 minutes
			MaxConcurrentOperations: 3,
			MaxRetries:              3,
			AutoSync:                true,
			AllowCellular:           false,
			BackgroundSync:          true,
		},
		Conflict: ConflictConfig{
			DefaultStrategy:  "latest_wins",
			EntityStrategies: map[string]string{},
			FieldStrategies:  map[string]string{},
		},
		Remote: RemoteConfig{
			BaseURL:        "http://localhost:8080",
			TimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/fieldsync",
		},
		Observability: ObservabilityConfig{
			OTELEndpoint:   "",
			LogLevel:       "info",
			MetricsEnabled: true,
			TracingEnabled: true,
		},
	}
}

var knownStrategies = map[string]bool{
	"client_wins": true,
	"server_wins": true,
	"latest_wins": true,
	"merge":       true,
	"manual":      true,
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Sync.Interval < 30 || c.Sync.Interval > 86400 {
		return fmt.Errorf("sync.interval must be between 30 and 86400 seconds")
	}
	if c.Sync.MaxConcurrentOperations < 1 || c.Sync.MaxConcurrentOperations > 20 {
		return fmt.Errorf("sync.max_concurrent_operations must be between 1 and 20")
	}
	if c.Sync.MaxRetries < 0 || c.Sync.MaxRetries > 10 {
		return fmt.Errorf("sync.max_retries must be between 0 and 10")
	}

	if !knownStrategies[c.Conflict.DefaultStrategy] {
		return fmt.Errorf("conflict.default_strategy %q is not a known strategy", c.Conflict.DefaultStrategy)
	}
	for entityType, strategy := range c.Conflict.EntityStrategies {
		if !knownStrategies[strategy] {
			return fmt.Errorf("conflict.entity_strategies[%s]: unknown strategy %q", entityType, strategy)
		}
	}
	for field, strategy := range c.Conflict.FieldStrategies {
		if !knownStrategies[strategy] {
			return fmt.Errorf("conflict.field_strategies[%s]: unknown strategy %q", field, strategy)
		}
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.TimeoutSeconds < 1 || c.Remote.TimeoutSeconds > 300 {
		return fmt.Errorf("remote.timeout_seconds must be between 1 and 300")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// DBPath returns the database file path
func (c *Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "fieldsync.db")
}
