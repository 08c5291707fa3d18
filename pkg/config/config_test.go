package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittolock/pkg/lockservice"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write minimal config
	configContent := `
logging:
  level: "info"

root: "media"

blob:
  type: "memory"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Root != "media" {
		t.Errorf("Expected root 'media', got %q", cfg.Root)
	}
	if cfg.Blob.Type != "memory" {
		t.Errorf("Expected blob type 'memory', got %q", cfg.Blob.Type)
	}
	if cfg.Locks.Backend != "memory" {
		t.Errorf("Expected default lock backend 'memory', got %q", cfg.Locks.Backend)
	}
	if cfg.Locks.TTL != lockservice.DefaultTTL {
		t.Errorf("Expected default ttl %v, got %v", lockservice.DefaultTTL, cfg.Locks.TTL)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A path under a temp dir keeps the user's own config out of the test
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Blob.Type != "filesystem" {
		t.Errorf("Expected default blob type 'filesystem', got %q", cfg.Blob.Type)
	}
	if cfg.Root != DefaultRoot {
		t.Errorf("Expected default root %q, got %q", DefaultRoot, cfg.Root)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("logging: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_Durations(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
locks:
  backend: "badger"
  ttl: "1m"
  wait_budget: "-1s"
  renewal_margin: "10s"
  poll_interval: "250ms"
  badger:
    db_path: "/var/lib/dittolock"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Locks.TTL != time.Minute {
		t.Errorf("Expected ttl 1m, got %v", cfg.Locks.TTL)
	}
	if cfg.Locks.WaitBudget != -time.Second {
		t.Errorf("Expected negative wait budget to survive defaults, got %v", cfg.Locks.WaitBudget)
	}
	if cfg.Locks.RenewalMargin != 10*time.Second {
		t.Errorf("Expected renewal margin 10s, got %v", cfg.Locks.RenewalMargin)
	}
	if cfg.Locks.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected poll interval 250ms, got %v", cfg.Locks.PollInterval)
	}
	if cfg.Locks.Badger["db_path"] != "/var/lib/dittolock" {
		t.Errorf("Expected badger db_path to be kept, got %v", cfg.Locks.Badger["db_path"])
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
root: "from-file"
locks:
  ttl: "1m"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("DITTOLOCK_ROOT", "from-env")
	t.Setenv("DITTOLOCK_LOCKS_TTL", "2m")
	t.Setenv("DITTOLOCK_METRICS_ENABLED", "true")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Root != "from-env" {
		t.Errorf("Expected env root 'from-env', got %q", cfg.Root)
	}
	if cfg.Locks.TTL != 2*time.Minute {
		t.Errorf("Expected env ttl 2m, got %v", cfg.Locks.TTL)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected metrics enabled from env")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
locks:
  ttl: "5s"
  renewal_margin: "10s"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for renewal margin longer than ttl")
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	want := filepath.Join(tmpDir, "dittolock")
	if got := GetConfigDir(); got != want {
		t.Errorf("Expected config dir %q, got %q", want, got)
	}
	if got := GetDefaultConfigPath(); got != filepath.Join(want, "config.yaml") {
		t.Errorf("Unexpected default config path %q", got)
	}
	if ConfigExists() {
		t.Error("Expected no config in a fresh directory")
	}
}
