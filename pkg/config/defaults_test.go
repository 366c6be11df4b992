package config

import (
	"testing"
	"time"

	"github.com/capsulehub/capsuled/pkg/store"
)

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" || cfg.Logging.Output != "stdout" {
		t.Errorf("logging defaults: %+v", cfg.Logging)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Type != store.DatabaseTypeSQLite {
		t.Errorf("database type: %s", cfg.Database.Type)
	}
	if cfg.Runtime.MaxConcurrentActive != 2 || cfg.Runtime.SessionMaxMs != 60000 {
		t.Errorf("runtime defaults: %+v", cfg.Runtime)
	}
	if cfg.Proxy.RateLimit != 60 || cfg.Proxy.RateWindow != time.Minute {
		t.Errorf("proxy defaults: %+v", cfg.Proxy)
	}
	if cfg.Bundle.NetworkMode != "strict" {
		t.Errorf("bundle network mode: %q", cfg.Bundle.NetworkMode)
	}
	if cfg.Reconcile.Interval != 10*time.Minute {
		t.Errorf("reconcile interval: %v", cfg.Reconcile.Interval)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout: %v", cfg.ShutdownTimeout)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	cfg.Server.Port = 9090
	cfg.Runtime.MaxConcurrentActive = 7

	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected explicit level normalized to DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected explicit port preserved, got %d", cfg.Server.Port)
	}
	if cfg.Runtime.MaxConcurrentActive != 7 {
		t.Errorf("expected explicit concurrency preserved, got %d", cfg.Runtime.MaxConcurrentActive)
	}
}

func TestGetDefaultConfig_PassesValidation(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
