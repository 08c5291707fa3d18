package config

import (
	"strings"

	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/marmos91/dittolock/pkg/lockservice"
	"github.com/marmos91/dittolock/pkg/metrics"
)

// DefaultRoot is the namespace used when none is configured.
const DefaultRoot = "default"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are filled in for every store type, so a
//     generated config file documents all of them
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}

	applyBlobDefaults(&cfg.Blob)
	applyLocksDefaults(&cfg.Locks)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyBlobDefaults(cfg *BlobConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = blob.DefaultChunkSize
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = "/tmp/dittolock-blobs"
	}
	if _, ok := cfg.S3["region"]; !ok {
		cfg.S3["region"] = "us-east-1"
	}
	if _, ok := cfg.S3["key_prefix"]; !ok {
		cfg.S3["key_prefix"] = "dittolock/"
	}
}

func applyLocksDefaults(cfg *LocksConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.TTL == 0 {
		cfg.TTL = lockservice.DefaultTTL
	}
	// Negative wait budgets are meaningful (single attempt).
	if cfg.WaitBudget == 0 {
		cfg.WaitBudget = lockservice.DefaultWaitBudget
	}
	if cfg.RenewalMargin == 0 {
		cfg.RenewalMargin = lockservice.DefaultRenewalMargin
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = lockservice.DefaultPollInterval
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.Redis == nil {
		cfg.Redis = make(map[string]any)
	}

	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/dittolock-locks"
	}
	if _, ok := cfg.Redis["addr"]; !ok {
		cfg.Redis["addr"] = "localhost:6379"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = metrics.DefaultPort
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
