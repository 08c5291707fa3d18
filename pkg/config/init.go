package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// configHeader opens every generated configuration file.
const configHeader = `DittoLock Configuration File

Values below are the defaults. Every scalar key can be overridden with an
environment variable: upper-case the path, replace dots with underscores and
prefix it with DITTOLOCK_ (e.g. DITTOLOCK_LOCKS_TTL=1m).`

// sectionComments documents each top-level key of the generated file.
var sectionComments = map[string]string{
	"logging": "Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json) and\noutput (stdout, stderr or a file path)",
	"root":    "Namespace shared by every lock and file. Processes only coordinate\nwith others using the same root and lock backend.",
	"blob":    "Chunked blob store. type selects one of filesystem, memory, s3;\nonly the matching section is used.",
	"locks":   "Lock coordination. backend selects one of memory (single process),\nbadger (single host) or redis (any number of hosts).\nDurations use Go syntax (500ms, 30s, 1m).",
	"metrics": "Prometheus metrics served on :port/metrics when enabled",
}

// The file* types mirror Config with yaml tags and durations as strings, so
// the generated file reads the way a user would write it.
type fileConfig struct {
	Logging fileLogging `yaml:"logging"`
	Root    string      `yaml:"root"`
	Blob    fileBlob    `yaml:"blob"`
	Locks   fileLocks   `yaml:"locks"`
	Metrics fileMetrics `yaml:"metrics"`
}

type fileLogging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type fileBlob struct {
	Type       string         `yaml:"type"`
	ChunkSize  int            `yaml:"chunk_size"`
	Filesystem map[string]any `yaml:"filesystem"`
	Memory     map[string]any `yaml:"memory"`
	S3         map[string]any `yaml:"s3"`
}

type fileLocks struct {
	Backend       string         `yaml:"backend"`
	TTL           string         `yaml:"ttl"`
	WaitBudget    string         `yaml:"wait_budget"`
	RenewalMargin string         `yaml:"renewal_margin"`
	PollInterval  string         `yaml:"poll_interval"`
	Owner         string         `yaml:"owner"`
	Memory        map[string]any `yaml:"memory"`
	Badger        map[string]any `yaml:"badger"`
	Redis         map[string]any `yaml:"redis"`
}

type fileMetrics struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// InitConfig writes a default configuration file to the default location.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns the path of the written file.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(toFileConfig(cfg)); err != nil {
		return "", err
	}

	// Mapping content alternates key and value nodes.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	for _, line := range strings.Split(configHeader, "\n") {
		buf.WriteString(strings.TrimRight("# "+line, " ") + "\n")
	}
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func toFileConfig(cfg *Config) fileConfig {
	return fileConfig{
		Logging: fileLogging{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		},
		Root: cfg.Root,
		Blob: fileBlob{
			Type:       cfg.Blob.Type,
			ChunkSize:  cfg.Blob.ChunkSize,
			Filesystem: cfg.Blob.Filesystem,
			Memory:     cfg.Blob.Memory,
			S3:         cfg.Blob.S3,
		},
		Locks: fileLocks{
			Backend:       cfg.Locks.Backend,
			TTL:           formatDuration(cfg.Locks.TTL),
			WaitBudget:    formatDuration(cfg.Locks.WaitBudget),
			RenewalMargin: formatDuration(cfg.Locks.RenewalMargin),
			PollInterval:  formatDuration(cfg.Locks.PollInterval),
			Owner:         cfg.Locks.Owner,
			Memory:        cfg.Locks.Memory,
			Badger:        cfg.Locks.Badger,
			Redis:         cfg.Locks.Redis,
		},
		Metrics: fileMetrics{
			Enabled: cfg.Metrics.Enabled,
			Port:    cfg.Metrics.Port,
		},
	}
}

func formatDuration(d time.Duration) string {
	return d.String()
}
