package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Integration tests that exercise the full LoadFrom pipeline:
// defaults < YAML < environment variables.

func TestLoadFrom_FullHierarchy(t *testing.T) {
	// YAML sets tcp_port=9090, env overrides to 7070. Env must win.
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
server:
  tcp_port: 9090
logging:
  level: "debug"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT_DADDY_URL", "7070")
	t.Setenv("PORT_DADDY_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.TCPPort != 7070 {
		t.Errorf("env should override YAML: got tcp_port %d, want 7070", cfg.Server.TCPPort)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env should override YAML: got level %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadFrom_YAMLPartialOverride(t *testing.T) {
	// YAML sets only logging.level; all other fields keep defaults.
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
logging:
  level: "error"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Logging.Level != "error" {
		t.Errorf("got level %q, want error", cfg.Logging.Level)
	}
	// Defaults preserved
	if cfg.Server.TCPPort != 9876 {
		t.Errorf("default tcp_port should be 9876, got %d", cfg.Server.TCPPort)
	}
	if cfg.Ports.RangeStart != 3100 {
		t.Errorf("default range_start should be 3100, got %d", cfg.Ports.RangeStart)
	}
}

func TestLoadFrom_EnvInvalidValues(t *testing.T) {
	// Invalid env values are silently ignored; defaults survive.
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT_DADDY_SWEEPER_INTERVAL", "not-a-duration")
	t.Setenv("PORT_DADDY_PORTS_RANGE_START", "not-a-number")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Sweeper.Interval != 10*time.Second {
		t.Errorf("invalid env duration should be ignored, got %v", cfg.Sweeper.Interval)
	}
	if cfg.Ports.RangeStart != 3100 {
		t.Errorf("invalid env int should be ignored, got %d", cfg.Ports.RangeStart)
	}
}

func TestLoadFrom_EnvReservedPortsList(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT_DADDY_PORTS_RESERVED", "80,443,8080")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	want := []int{80, 443, 8080}
	if len(cfg.Ports.Reserved) != len(want) {
		t.Fatalf("got %v, want %v", cfg.Ports.Reserved, want)
	}
	for i, p := range want {
		if cfg.Ports.Reserved[i] != p {
			t.Errorf("reserved[%d] = %d, want %d", i, cfg.Ports.Reserved[i], p)
		}
	}
}

func TestLoadFrom_MissingYAMLUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Storage.Path != "port-registry.db" {
		t.Errorf("expected default storage path, got %q", cfg.Storage.Path)
	}
}
