package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Platform variable names. The hosting environment injects these exact
// names; they override both the config file and CAPSULED_* variables.
const (
	envAllowlistHosts      = "ALLOWLIST_HOSTS"
	envJWTIssuer           = "CLERK_JWT_ISSUER"
	envJWTAudience         = "CLERK_JWT_AUDIENCE"
	envArtifactsEnabled    = "RUNTIME_ARTIFACTS_ENABLED"
	envBundleNetworkMode   = "CAPSULE_BUNDLE_NETWORK_MODE"
	envProxyEnabled        = "NET_PROXY_ENABLED"
	envProxyFreeEnabled    = "NET_PROXY_FREE_ENABLED"
	envMaxConcurrentActive = "RUNTIME_MAX_CONCURRENT_ACTIVE"
	envSessionMaxMs        = "RUNTIME_SESSION_MAX_MS"
	envCORSAllowedOrigins  = "CORS_ALLOWED_ORIGINS"
)

// applyPlatformEnv overlays the platform's well-known variable names
// onto the configuration. Unset variables leave the config untouched.
func applyPlatformEnv(cfg *Config) error {
	if raw, ok := os.LookupEnv(envAllowlistHosts); ok {
		hosts, err := parseHostList(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envAllowlistHosts, err)
		}
		cfg.Proxy.AllowlistHosts = hosts
	}

	if raw, ok := os.LookupEnv(envJWTIssuer); ok {
		cfg.Auth.Issuer = strings.TrimSpace(raw)
	}
	if raw, ok := os.LookupEnv(envJWTAudience); ok {
		cfg.Auth.Audiences = splitCommaList(raw)
	}

	if raw, ok := os.LookupEnv(envArtifactsEnabled); ok {
		enabled, err := parseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envArtifactsEnabled, err)
		}
		cfg.Runtime.ArtifactsEnabled = enabled
	}

	if raw, ok := os.LookupEnv(envBundleNetworkMode); ok {
		cfg.Bundle.NetworkMode = strings.TrimSpace(raw)
	}

	if raw, ok := os.LookupEnv(envProxyEnabled); ok {
		enabled, err := parseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envProxyEnabled, err)
		}
		cfg.Proxy.Enabled = enabled
	}
	if raw, ok := os.LookupEnv(envProxyFreeEnabled); ok {
		enabled, err := parseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envProxyFreeEnabled, err)
		}
		cfg.Proxy.FreeEnabled = enabled
	}

	if raw, ok := os.LookupEnv(envMaxConcurrentActive); ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envMaxConcurrentActive, err)
		}
		cfg.Runtime.MaxConcurrentActive = n
	}
	if raw, ok := os.LookupEnv(envSessionMaxMs); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envSessionMaxMs, err)
		}
		cfg.Runtime.SessionMaxMs = n
	}

	if raw, ok := os.LookupEnv(envCORSAllowedOrigins); ok {
		cfg.CORS.AllowedOrigins = splitCommaList(raw)
	}

	return nil
}

// parseHostList accepts a JSON string array or a plain comma-separated
// list.
func parseHostList(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var hosts []string
		if err := json.Unmarshal([]byte(trimmed), &hosts); err != nil {
			return nil, fmt.Errorf("expected a JSON string array: %w", err)
		}
		return hosts, nil
	}

	return splitCommaList(trimmed), nil
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(raw string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(raw))
}
