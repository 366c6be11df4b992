package config

import (
	"strings"
	"time"

	"github.com/capsulehub/capsuled/pkg/runs"
	"github.com/capsulehub/capsuled/pkg/store"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields.
//
// Zero values (0, "", false, nil) are replaced with defaults; explicit
// values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyServerDefaults(&cfg.Server)
	cfg.Database.ApplyDefaults()
	applyBlobDefaults(&cfg.Blob)
	applyCacheDefaults(&cfg.Cache)
	applyAuthDefaults(&cfg.Auth)
	applyRuntimeDefaults(&cfg.Runtime)
	applyProxyDefaults(&cfg.Proxy)
	applyBundleDefaults(&cfg.Bundle)
	applyReconcileDefaults(&cfg.Reconcile)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
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

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 120 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
}

func applyBlobDefaults(cfg *BlobConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Type == "s3" && cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
}

func applyRuntimeDefaults(cfg *RuntimeConfig) {
	if cfg.MaxConcurrentActive == 0 {
		cfg.MaxConcurrentActive = runs.DefaultMaxConcurrentActive
	}
	if cfg.SessionMaxMs == 0 {
		cfg.SessionMaxMs = runs.DefaultSessionMaxMs
	}
}

func applyProxyDefaults(cfg *ProxyConfig) {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 60
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Minute
	}
}

func applyBundleDefaults(cfg *BundleConfig) {
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "strict"
	}
}

func applyReconcileDefaults(cfg *ReconcileConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
}

// GetDefaultConfig returns a Config with all default values applied.
//
// Useful for generating sample configuration files, testing, and
// documentation.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: store.Config{
			Type: store.DatabaseTypeSQLite,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
