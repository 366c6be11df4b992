package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default log level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Bundle.NetworkMode != "strict" {
		t.Errorf("expected default network mode strict, got %q", cfg.Bundle.NetworkMode)
	}
	if cfg.Blob.Type != "memory" || cfg.Cache.Type != "memory" {
		t.Errorf("expected memory blob and cache defaults, got %q/%q", cfg.Blob.Type, cfg.Cache.Type)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
logging:
  level: debug
  format: json
server:
  port: 9999
  read_timeout: 15s
proxy:
  enabled: true
  allowlist_hosts:
    - api.example.com
    - cdn.example.net
bundle:
  network_mode: allow-https
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected normalized level DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format, got %q", cfg.Logging.Format)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("expected 15s read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if !cfg.Proxy.Enabled {
		t.Error("expected proxy enabled")
	}
	if len(cfg.Proxy.AllowlistHosts) != 2 || cfg.Proxy.AllowlistHosts[0] != "api.example.com" {
		t.Errorf("unexpected allowlist: %v", cfg.Proxy.AllowlistHosts)
	}
	if cfg.Bundle.NetworkMode != "allow-https" {
		t.Errorf("expected allow-https, got %q", cfg.Bundle.NetworkMode)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `
logging:
  level: info
server:
  port: 9000
`)

	t.Setenv("CAPSULED_LOGGING_LEVEL", "ERROR")
	t.Setenv("CAPSULED_SERVER_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("expected env to win with ERROR, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env to win with 7070, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	path := writeTempConfig(t, `
bundle:
  network_mode: wide-open
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad network mode")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Port = 8181
	cfg.Proxy.AllowlistHosts = []string{"api.example.com"}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load saved config: %v", err)
	}
	if loaded.Server.Port != 8181 {
		t.Errorf("expected saved port 8181, got %d", loaded.Server.Port)
	}
	if len(loaded.Proxy.AllowlistHosts) != 1 || loaded.Proxy.AllowlistHosts[0] != "api.example.com" {
		t.Errorf("unexpected allowlist after round trip: %v", loaded.Proxy.AllowlistHosts)
	}
}
