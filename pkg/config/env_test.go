package config

import (
	"testing"
)

func TestApplyPlatformEnv_AllowlistJSON(t *testing.T) {
	t.Setenv("ALLOWLIST_HOSTS", `["api.example.com", "cdn.example.net"]`)

	cfg := GetDefaultConfig()
	if err := applyPlatformEnv(cfg); err != nil {
		t.Fatalf("applyPlatformEnv: %v", err)
	}

	if len(cfg.Proxy.AllowlistHosts) != 2 {
		t.Fatalf("expected 2 hosts, got %v", cfg.Proxy.AllowlistHosts)
	}
	if cfg.Proxy.AllowlistHosts[1] != "cdn.example.net" {
		t.Errorf("unexpected host: %q", cfg.Proxy.AllowlistHosts[1])
	}
}

func TestApplyPlatformEnv_AllowlistCommaList(t *testing.T) {
	t.Setenv("ALLOWLIST_HOSTS", "api.example.com, cdn.example.net")

	cfg := GetDefaultConfig()
	if err := applyPlatformEnv(cfg); err != nil {
		t.Fatalf("applyPlatformEnv: %v", err)
	}

	if len(cfg.Proxy.AllowlistHosts) != 2 {
		t.Fatalf("expected 2 hosts, got %v", cfg.Proxy.AllowlistHosts)
	}
}

func TestApplyPlatformEnv_AllowlistBadJSON(t *testing.T) {
	t.Setenv("ALLOWLIST_HOSTS", `[not json`)

	cfg := GetDefaultConfig()
	if err := applyPlatformEnv(cfg); err == nil {
		t.Fatal("expected error for malformed JSON array")
	}
}

func TestApplyPlatformEnv_AuthAndFlags(t *testing.T) {
	t.Setenv("CLERK_JWT_ISSUER", "https://auth.example.com")
	t.Setenv("CLERK_JWT_AUDIENCE", "capsulehub,capsulehub-dev")
	t.Setenv("RUNTIME_ARTIFACTS_ENABLED", "true")
	t.Setenv("CAPSULE_BUNDLE_NETWORK_MODE", "allow-https")
	t.Setenv("NET_PROXY_ENABLED", "true")
	t.Setenv("NET_PROXY_FREE_ENABLED", "false")
	t.Setenv("RUNTIME_MAX_CONCURRENT_ACTIVE", "5")
	t.Setenv("RUNTIME_SESSION_MAX_MS", "120000")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com,https://staging.example.com")

	cfg := GetDefaultConfig()
	if err := applyPlatformEnv(cfg); err != nil {
		t.Fatalf("applyPlatformEnv: %v", err)
	}

	if cfg.Auth.Issuer != "https://auth.example.com" {
		t.Errorf("issuer: %q", cfg.Auth.Issuer)
	}
	if len(cfg.Auth.Audiences) != 2 || cfg.Auth.Audiences[0] != "capsulehub" {
		t.Errorf("audiences: %v", cfg.Auth.Audiences)
	}
	if !cfg.Runtime.ArtifactsEnabled {
		t.Error("expected artifacts enabled")
	}
	if cfg.Bundle.NetworkMode != "allow-https" {
		t.Errorf("network mode: %q", cfg.Bundle.NetworkMode)
	}
	if !cfg.Proxy.Enabled || cfg.Proxy.FreeEnabled {
		t.Errorf("proxy flags: enabled=%v free=%v", cfg.Proxy.Enabled, cfg.Proxy.FreeEnabled)
	}
	if cfg.Runtime.MaxConcurrentActive != 5 {
		t.Errorf("max concurrent active: %d", cfg.Runtime.MaxConcurrentActive)
	}
	if cfg.Runtime.SessionMaxMs != 120000 {
		t.Errorf("session max ms: %d", cfg.Runtime.SessionMaxMs)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 {
		t.Errorf("cors origins: %v", cfg.CORS.AllowedOrigins)
	}
}

func TestApplyPlatformEnv_BadBoolRejected(t *testing.T) {
	t.Setenv("NET_PROXY_ENABLED", "sometimes")

	cfg := GetDefaultConfig()
	if err := applyPlatformEnv(cfg); err == nil {
		t.Fatal("expected error for malformed boolean")
	}
}
