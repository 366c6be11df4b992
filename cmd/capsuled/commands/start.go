package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/capsulehub/capsuled/internal/api"
	"github.com/capsulehub/capsuled/internal/api/auth"
	"github.com/capsulehub/capsuled/internal/api/handlers"
	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/internal/telemetry"
	"github.com/capsulehub/capsuled/pkg/blob"
	blobmemory "github.com/capsulehub/capsuled/pkg/blob/memory"
	blobs3 "github.com/capsulehub/capsuled/pkg/blob/s3"
	"github.com/capsulehub/capsuled/pkg/bundle"
	"github.com/capsulehub/capsuled/pkg/compiler"
	"github.com/capsulehub/capsuled/pkg/config"
	"github.com/capsulehub/capsuled/pkg/feed"
	"github.com/capsulehub/capsuled/pkg/kvcache"
	kvbadger "github.com/capsulehub/capsuled/pkg/kvcache/badger"
	kvmemory "github.com/capsulehub/capsuled/pkg/kvcache/memory"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/proxy"
	"github.com/capsulehub/capsuled/pkg/reconcile"
	"github.com/capsulehub/capsuled/pkg/runs"
	"github.com/capsulehub/capsuled/pkg/shard"
	"github.com/capsulehub/capsuled/pkg/store"
	pkgtelemetry "github.com/capsulehub/capsuled/pkg/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the capsuled server",
	Long: `Start the capsuled control plane server with the specified
configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/capsuled/config.yaml. Without a
config file the server runs on defaults plus environment variables,
which is the usual container deployment.

Examples:
  # Start with default config location or pure environment config
  capsuled start

  # Start with custom config file
  capsuled start --config /etc/capsuled/config.yaml

  # Start with environment variable overrides
  CAPSULED_LOGGING_LEVEL=DEBUG capsuled start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Root context cancelled on SIGINT/SIGTERM; everything downstream
	// shuts down off this.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "capsuled",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err.Error())
		}
	}()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		logger.Info("Metrics enabled")
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("Store initialized", "type", cfg.Database.Type)

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("Blob store initialized", "type", cfg.Blob.Type)

	cache, err := buildCache(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()
	logger.Info("Cache initialized", "type", cfg.Cache.Type)

	if cfg.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required (set CLERK_JWT_ISSUER)")
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Issuer:    cfg.Auth.Issuer,
		JWKSURL:   cfg.Auth.JWKSURL,
		Audiences: cfg.Auth.Audiences,
		Leeway:    cfg.Auth.Leeway,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	analytics := pkgtelemetry.NewLogSink()

	// Write shards buffer counter deltas and runtime events, flushing in
	// batches. They keep running through shutdown until Stop drains them.
	counters := shard.NewCounterShard(st, m, shard.CounterConfig{})
	counters.Start(ctx)
	defer counters.Stop()

	events := shard.NewEventShard(st, m, shard.EventConfig{})
	events.Start(ctx)
	defer events.Stop()

	limiter := shard.NewRateLimiter()

	pipeline := compiler.NewPipeline(st, blobs, cache, m, analytics)
	coordinator := compiler.NewCoordinator(pipeline, cache)
	defer coordinator.Stop()

	ingestor := bundle.New(st, blobs, m, analytics, func(artifactID string) {
		coordinator.Compile(context.Background(), artifactID, "", "publish")
	})

	runManager := runs.NewManager(st, counters, analytics, runs.Config{
		MaxConcurrentActive: cfg.Runtime.MaxConcurrentActive,
		SessionMaxMs:        cfg.Runtime.SessionMaxMs,
	})

	egress := proxy.New(st, limiter, nil, m, proxy.Config{
		Enabled:        cfg.Proxy.Enabled,
		FreeEnabled:    cfg.Proxy.FreeEnabled,
		AllowlistHosts: cfg.Proxy.AllowlistHosts,
		RateLimit:      cfg.Proxy.RateLimit,
		RateWindow:     cfg.Proxy.RateWindow,
	})

	feedSvc := feed.New(st, cache, m, analytics, feed.Config{
		RuntimeArtifactsEnabled: cfg.Runtime.ArtifactsEnabled,
	})

	sweeper := reconcile.New(st, limiter, m, analytics, cfg.Reconcile.Interval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	router := api.NewRouter(api.Deps{
		Store:              st,
		Blobs:              blobs,
		Cache:              cache,
		Verifier:           verifier,
		Ingestor:           ingestor,
		GitHub:             bundle.NewGitHubFetcher(nil),
		Coordinator:        coordinator,
		Runs:               runManager,
		Proxy:              egress,
		Feed:               feedSvc,
		Counters:           counters,
		Events:             events,
		Metrics:            m,
		BundleNetworkMode:  cfg.Bundle.NetworkMode,
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		DevMode:            cfg.CORS.DevMode,
	})

	server := api.NewServer(api.ServerConfig{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, router)

	logger.Info("Server is running. Press Ctrl+C to stop.",
		"port", cfg.Server.Port,
		"proxy_enabled", cfg.Proxy.Enabled,
		"artifacts_enabled", cfg.Runtime.ArtifactsEnabled,
		"network_mode", cfg.Bundle.NetworkMode)

	// Blocks until signal or listener failure; graceful shutdown happens
	// inside, then the deferred stops drain the background workers.
	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// buildBlobStore creates the configured blob backend.
func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Type {
	case "s3":
		client, err := blobs3.NewClientFromConfig(ctx,
			cfg.Blob.S3.Endpoint,
			cfg.Blob.S3.Region,
			cfg.Blob.S3.AccessKeyID,
			cfg.Blob.S3.SecretAccessKey,
			cfg.Blob.S3.ForcePathStyle,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		s3Store, err := blobs3.New(ctx, blobs3.Config{
			Client:    client,
			Bucket:    cfg.Blob.S3.Bucket,
			KeyPrefix: cfg.Blob.S3.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 blob store: %w", err)
		}
		return s3Store, nil
	default:
		return blobmemory.New(), nil
	}
}

// buildCache creates the configured cache backend.
func buildCache(cfg *config.Config) (kvcache.Cache, error) {
	switch cfg.Cache.Type {
	case "badger":
		c, err := kvbadger.New(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize badger cache: %w", err)
		}
		return c, nil
	default:
		return kvmemory.New(), nil
	}
}

var _ handlers.Counters = (*shard.CounterShard)(nil)
var _ handlers.EventAppender = (*shard.EventShard)(nil)
