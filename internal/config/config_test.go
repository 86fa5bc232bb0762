package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.WorkspaceRoot != root {
		t.Errorf("WorkspaceRoot = %q, want %q", cfg.WorkspaceRoot, root)
	}
	if want := filepath.Join(root, ".labcontrol", "main.db"); cfg.MainStorePath != want {
		t.Errorf("MainStorePath = %q, want %q", cfg.MainStorePath, want)
	}
	if cfg.DashboardPort != 8571 {
		t.Errorf("DashboardPort = %d, want 8571", cfg.DashboardPort)
	}
}

func TestLoadFromFile(t *testing.T) {
	root := t.TempDir()

	yaml := `
main_store_path: /data/main.db
cargo_store_path: /data/cargo.db
dashboard_port: 9000
log_file: /var/log/labcontrol.log
`
	if err := os.WriteFile(filepath.Join(root, ".labcontrol.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MainStorePath != "/data/main.db" {
		t.Errorf("MainStorePath = %q, want /data/main.db", cfg.MainStorePath)
	}
	if cfg.CargoStorePath != "/data/cargo.db" {
		t.Errorf("CargoStorePath = %q, want /data/cargo.db", cfg.CargoStorePath)
	}
	if cfg.DashboardPort != 9000 {
		t.Errorf("DashboardPort = %d, want 9000", cfg.DashboardPort)
	}
	if cfg.LogFile != "/var/log/labcontrol.log" {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(root, ".labcontrol.yaml"), []byte("{not yaml"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(root); err == nil {
		t.Error("Expected error for malformed config file")
	}
}

func TestNewLoggerStderrDefault(t *testing.T) {
	cfg := &Config{}
	logger := cfg.NewLogger("[test] ")
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	if logger.Prefix() != "[test] " {
		t.Errorf("Prefix = %q, want %q", logger.Prefix(), "[test] ")
	}
}
