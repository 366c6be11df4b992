// Package config loads and validates the capsuled server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CAPSULED_*, plus the platform variable
//     names the hosting environment injects, see env.go)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/capsulehub/capsuled/pkg/store"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the capsuled server configuration.
//
// It captures the static configuration of the control plane:
//   - Logging and telemetry
//   - HTTP server settings
//   - Database connection (SQLite or PostgreSQL)
//   - Blob store (S3-compatible or in-memory)
//   - Manifest cache (Badger or in-memory)
//   - Token verification (issuer, audience)
//   - Runtime, proxy, and bundle feature settings
//
// Dynamic state (users, capsules, posts, runs) lives in the database and
// is managed through the REST API.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Server contains the API HTTP server configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics toggles the Prometheus /metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Database configures control plane persistence (SQLite or PostgreSQL)
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Blob configures bundle and artifact content storage
	Blob BlobConfig `mapstructure:"blob" yaml:"blob"`

	// Cache configures the manifest/compile cache
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Auth configures bearer token verification
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Runtime contains sandbox run session settings
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`

	// Proxy contains the capability-gated egress proxy settings
	Proxy ProxyConfig `mapstructure:"proxy" yaml:"proxy"`

	// Bundle contains bundle serving settings
	Bundle BundleConfig `mapstructure:"bundle" yaml:"bundle"`

	// CORS controls browser client admission
	CORS CORSConfig `mapstructure:"cors" yaml:"cors"`

	// Reconcile controls the periodic counter reconciliation sweep
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// ServerConfig configures the API HTTP server.
type ServerConfig struct {
	// Port is the HTTP listen port
	// Default: 8080
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// ReadTimeout bounds request reads
	// Default: 30s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds response writes; bundle streaming and proxy
	// forwarding need headroom here
	// Default: 120s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout bounds keep-alive idle connections
	// Default: 120s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// MetricsConfig toggles Prometheus metrics.
// When Enabled is false, no metrics are collected and /metrics is not served.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the /metrics
	// endpoint are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// BlobConfig configures bundle and artifact content storage.
type BlobConfig struct {
	// Type selects the blob backend
	// Valid values: memory, s3
	// Default: memory (single-node development)
	Type string `mapstructure:"type" validate:"required,oneof=memory s3" yaml:"type"`

	// S3 contains S3-compatible store settings, used when Type is "s3"
	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config contains S3-compatible blob store settings.
// Endpoint may point at MinIO or another S3-compatible service.
type S3Config struct {
	// Endpoint overrides the AWS endpoint (empty for real AWS)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// Region is the bucket region
	Region string `mapstructure:"region" yaml:"region"`

	// Bucket is the bucket name; it must already exist
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// KeyPrefix is an optional prefix for all object keys
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// AccessKeyID and SecretAccessKey are static credentials; leave empty
	// to use the ambient AWS credential chain
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle uses path-style addressing (required for MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// CacheConfig configures the manifest/compile cache.
type CacheConfig struct {
	// Type selects the cache backend
	// Valid values: memory, badger
	// Default: memory
	Type string `mapstructure:"type" validate:"required,oneof=memory badger" yaml:"type"`

	// Path is the Badger data directory, used when Type is "badger"
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// AuthConfig configures bearer token verification.
//
// Tokens are RS256 JWTs verified against the issuer's JWKS. When Issuer
// is empty the server refuses to start; there is no unauthenticated mode
// for write surfaces.
type AuthConfig struct {
	// Issuer is the expected token issuer URL
	// Override: CLERK_JWT_ISSUER
	Issuer string `mapstructure:"issuer" validate:"omitempty,url" yaml:"issuer"`

	// JWKSURL overrides the derived "{issuer}/.well-known/jwks.json"
	JWKSURL string `mapstructure:"jwks_url" validate:"omitempty,url" yaml:"jwks_url,omitempty"`

	// Audiences is the list of acceptable audience values
	// Override: CLERK_JWT_AUDIENCE (comma-separated)
	Audiences []string `mapstructure:"audiences" yaml:"audiences"`

	// Leeway tolerates clock skew when checking token expiry
	// Default: 30s
	Leeway time.Duration `mapstructure:"leeway" yaml:"leeway,omitempty"`
}

// RuntimeConfig contains sandbox run session settings.
type RuntimeConfig struct {
	// ArtifactsEnabled switches feed playback references from raw bundle
	// keys to compiled artifact ids
	// Override: RUNTIME_ARTIFACTS_ENABLED
	ArtifactsEnabled bool `mapstructure:"artifacts_enabled" yaml:"artifacts_enabled"`

	// MaxConcurrentActive caps concurrently active runs per user (1-10)
	// Override: RUNTIME_MAX_CONCURRENT_ACTIVE
	MaxConcurrentActive int `mapstructure:"max_concurrent_active" validate:"omitempty,min=1,max=10" yaml:"max_concurrent_active"`

	// SessionMaxMs caps a single run's reported duration in milliseconds
	// (1000-300000)
	// Override: RUNTIME_SESSION_MAX_MS
	SessionMaxMs int64 `mapstructure:"session_max_ms" validate:"omitempty,min=1000,max=300000" yaml:"session_max_ms"`
}

// ProxyConfig contains the capability-gated egress proxy settings.
type ProxyConfig struct {
	// Enabled gates the whole /proxy feature
	// Override: NET_PROXY_ENABLED
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// FreeEnabled allows free plan users to proxy
	// Override: NET_PROXY_FREE_ENABLED
	FreeEnabled bool `mapstructure:"free_enabled" yaml:"free_enabled"`

	// AllowlistHosts is the environment host allowlist, intersected with
	// each capsule's manifest capability
	// Override: ALLOWLIST_HOSTS (JSON array or comma-separated)
	AllowlistHosts []string `mapstructure:"allowlist_hosts" yaml:"allowlist_hosts"`

	// RateLimit and RateWindow shape the per-(user, host) fixed window
	// Defaults: 60 requests per 1m
	RateLimit  int64         `mapstructure:"rate_limit" validate:"omitempty,min=1" yaml:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window" yaml:"rate_window"`
}

// BundleConfig contains bundle serving settings.
type BundleConfig struct {
	// NetworkMode shapes the Content-Security-Policy on served bundle
	// and artifact content
	// Valid values: strict (connect-src 'none'), allow-https
	// Override: CAPSULE_BUNDLE_NETWORK_MODE
	NetworkMode string `mapstructure:"network_mode" validate:"required,oneof=strict allow-https" yaml:"network_mode"`
}

// CORSConfig controls browser client admission.
type CORSConfig struct {
	// AllowedOrigins lists the exact origins admitted by CORS
	// Override: CORS_ALLOWED_ORIGINS (comma-separated)
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	// DevMode additionally admits any localhost origin
	DevMode bool `mapstructure:"dev_mode" yaml:"dev_mode"`
}

// ReconcileConfig controls the periodic counter reconciliation sweep.
type ReconcileConfig struct {
	// Interval between sweeps. Zero disables the sweeper.
	// Default: 10m
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// configKeys lists every configuration key so environment variables can
// override them without a config file present.
var configKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"telemetry.enabled", "telemetry.endpoint", "telemetry.insecure", "telemetry.sample_rate",
	"server.port", "server.read_timeout", "server.write_timeout", "server.idle_timeout",
	"metrics.enabled",
	"database.type", "database.sqlite.path",
	"database.postgres.host", "database.postgres.port", "database.postgres.database",
	"database.postgres.user", "database.postgres.password", "database.postgres.sslmode",
	"blob.type", "blob.s3.endpoint", "blob.s3.region", "blob.s3.bucket", "blob.s3.key_prefix",
	"blob.s3.access_key_id", "blob.s3.secret_access_key", "blob.s3.force_path_style",
	"cache.type", "cache.path",
	"auth.issuer", "auth.jwks_url", "auth.audiences", "auth.leeway",
	"runtime.artifacts_enabled", "runtime.max_concurrent_active", "runtime.session_max_ms",
	"proxy.enabled", "proxy.free_enabled", "proxy.allowlist_hosts",
	"proxy.rate_limit", "proxy.rate_window",
	"bundle.network_mode",
	"cors.allowed_origins", "cors.dev_mode",
	"reconcile.interval",
	"shutdown_timeout",
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Platform variable names beat CAPSULED_* because the hosting
	// environment injects them last.
	if err := applyPlatformEnv(&cfg); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// config file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			// No file anywhere: run on defaults plus environment. This is
			// the common container deployment, where everything arrives
			// via injected variables.
			return Load("")
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  capsuled init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600 because the file may contain database and S3 credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variable and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the CAPSULED_ prefix and underscores.
	// Example: CAPSULED_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CAPSULED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone does not surface env-only keys through
	// Unmarshal, so every known key gets an explicit binding.
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts strings like "30s", "5m", "1h" to
// time.Duration, so config files can use human-readable durations.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "capsuled")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "capsuled")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
