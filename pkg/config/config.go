package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding configuration
// keys, e.g. DITTOLOCK_LOCKS_TTL=1m.
const EnvPrefix = "DITTOLOCK"

// Config represents the complete dittolock configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOLOCK_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store implementation defines its own configuration type. Config keeps
// type-specific sections as raw maps (e.g. blob.filesystem, locks.redis) and
// only the section matching the selected type is decoded, by the factories.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Root is the namespace every lock and file lives in
	Root string `mapstructure:"root" validate:"required"`

	// Blob selects and configures the chunked blob store
	Blob BlobConfig `mapstructure:"blob"`

	// Locks selects the lock record store and the lock timing defaults
	Locks LocksConfig `mapstructure:"locks"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// BlobConfig specifies blob store configuration.
//
// The Type field determines which backend is used. Only the corresponding
// type-specific section is used.
type BlobConfig struct {
	// Type specifies which backend to use
	// Valid values: filesystem, memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory s3"`

	// ChunkSize is the number of bytes per stored chunk
	ChunkSize int `mapstructure:"chunk_size" validate:"gt=0"`

	// Filesystem contains filesystem-specific configuration (path)
	Filesystem map[string]any `mapstructure:"filesystem"`

	// Memory contains memory-specific configuration (currently none)
	Memory map[string]any `mapstructure:"memory"`

	// S3 contains S3-specific configuration (region, bucket, key_prefix,
	// endpoint, access_key_id, secret_access_key, max_retries)
	S3 map[string]any `mapstructure:"s3"`
}

// LocksConfig specifies the lock record store and lock timing defaults.
type LocksConfig struct {
	// Backend specifies where lock documents are kept
	// Valid values: memory, badger, redis
	Backend string `mapstructure:"backend" validate:"required,oneof=memory badger redis"`

	// TTL is how long a grant lives without renewal
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// WaitBudget bounds how long an acquisition waits. Negative values make
	// a single attempt.
	WaitBudget time.Duration `mapstructure:"wait_budget"`

	// RenewalMargin is how long before expiry the expires-soon signal fires
	RenewalMargin time.Duration `mapstructure:"renewal_margin" validate:"gt=0,ltfield=TTL"`

	// PollInterval paces acquisition retries against the record store
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0,ltfield=TTL"`

	// Owner prefixes every lock owner ID. Defaults to hostname:pid.
	Owner string `mapstructure:"owner"`

	// Memory contains memory-specific configuration (currently none)
	Memory map[string]any `mapstructure:"memory"`

	// Badger contains BadgerDB-specific configuration (db_path, in_memory)
	Badger map[string]any `mapstructure:"badger"`

	// Redis contains Redis-specific configuration (addr, password, db,
	// key_prefix, idle_retention)
	Redis map[string]any `mapstructure:"redis"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection on
	Enabled bool `mapstructure:"enabled"`

	// Port for the HTTP server exposing /metrics
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOLOCK_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOLOCK_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so every
	// scalar key is registered with its default.
	registerDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittolock/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// registerDefaults declares the scalar keys that may come from the
// environment alone.
func registerDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("root", d.Root)
	v.SetDefault("blob.type", d.Blob.Type)
	v.SetDefault("blob.chunk_size", d.Blob.ChunkSize)
	v.SetDefault("locks.backend", d.Locks.Backend)
	v.SetDefault("locks.ttl", d.Locks.TTL)
	v.SetDefault("locks.wait_budget", d.Locks.WaitBudget)
	v.SetDefault("locks.renewal_margin", d.Locks.RenewalMargin)
	v.SetDefault("locks.poll_interval", d.Locks.PollInterval)
	v.SetDefault("locks.owner", "")
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittolock")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittolock")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
