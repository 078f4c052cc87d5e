package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.CheckInterval != 30*time.Second {
		t.Errorf("check_interval = %v, want 30s", cfg.CheckInterval)
	}
	if cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("probe_timeout = %v, want 5s", cfg.ProbeTimeout)
	}
	if cfg.ConflictStrategy != "server-wins" {
		t.Errorf("conflict_strategy = %q, want server-wins", cfg.ConflictStrategy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() of a missing file: %v", err)
	}
	if cfg.CheckInterval != 30*time.Second {
		t.Errorf("check_interval = %v, want the default", cfg.CheckInterval)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := strings.Join([]string{
		"remote_url: https://api.example.org",
		"check_interval: 45s",
		"conflict_strategy: manual",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RemoteURL != "https://api.example.org" {
		t.Errorf("remote_url = %q", cfg.RemoteURL)
	}
	if cfg.CheckInterval != 45*time.Second {
		t.Errorf("check_interval = %v, want 45s", cfg.CheckInterval)
	}
	if cfg.ConflictStrategy != "manual" {
		t.Errorf("conflict_strategy = %q, want manual", cfg.ConflictStrategy)
	}
	// Untouched keys keep their defaults.
	if cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("probe_timeout = %v, want the default", cfg.ProbeTimeout)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("conflict_strategy: server-wins\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HSYNC_CONFLICT_STRATEGY", "local-wins")
	t.Setenv("HSYNC_REMOTE_URL", "https://env.example.org")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ConflictStrategy != "local-wins" {
		t.Errorf("conflict_strategy = %q, want the environment override", cfg.ConflictStrategy)
	}
	if cfg.RemoteURL != "https://env.example.org" {
		t.Errorf("remote_url = %q, want the environment value", cfg.RemoteURL)
	}
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown strategy", "conflict_strategy: newest-wins\n"},
		{"interval too small", "check_interval: 100ms\n"},
		{"port out of range", "dashboard_port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load() accepted %q", tt.content)
			}
		})
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.RemoteURL = "https://api.example.org"
	cfg.APIKey = "secret"
	cfg.ConflictStrategy = "manual"

	if err := cfg.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config: %v", err)
	}
	if loaded.RemoteURL != cfg.RemoteURL {
		t.Errorf("remote_url = %q, want %q", loaded.RemoteURL, cfg.RemoteURL)
	}
	if loaded.APIKey != cfg.APIKey {
		t.Errorf("api_key = %q, want %q", loaded.APIKey, cfg.APIKey)
	}
	if loaded.ConflictStrategy != cfg.ConflictStrategy {
		t.Errorf("conflict_strategy = %q, want %q", loaded.ConflictStrategy, cfg.ConflictStrategy)
	}
	if loaded.CheckInterval != cfg.CheckInterval {
		t.Errorf("check_interval = %v, want %v", loaded.CheckInterval, cfg.CheckInterval)
	}
}
