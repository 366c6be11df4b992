// Package compiler turns capsule bundles into runnable artifacts. A
// per-artifact coordinator serializes compile requests; the pipeline
// bundles react-jsx sources with esbuild or sanitizes html entries,
// writes the compiled bundle and versioned runtime manifests to the
// blob store, and mirrors the manifest into the KV cache.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	itelemetry "github.com/capsulehub/capsuled/internal/telemetry"
	"github.com/capsulehub/capsuled/pkg/blob"
	"github.com/capsulehub/capsuled/pkg/bundle"
	"github.com/capsulehub/capsuled/pkg/kvcache"
	"github.com/capsulehub/capsuled/pkg/manifest"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/telemetry"
)

// RuntimeVersion is the sandbox runtime generation compiled bundles
// target. It is embedded in runtime manifests and blob key paths.
const RuntimeVersion = "1"

// Source size guards.
const (
	// MaxSourceBytes caps one source file fed to the bundler.
	MaxSourceBytes = 2 << 20

	// MaxOutputBytes caps the compiled bundle.
	MaxOutputBytes = 10 << 20
)

// Compile error codes surfaced to callers.
const (
	CodeEmptySource       = "empty_source"
	CodeOversize          = "oversize"
	CodeUnsupportedImport = "unsupported_import"
	CodeUnsupportedRunner = "unsupported_runner"
	CodeBundlerError      = "bundler_error"
)

// CompileError is a compile failure attributable to the capsule source.
// Infrastructure failures are returned as plain errors instead.
type CompileError struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func (e *CompileError) Error() string {
	if e.Detail == "" {
		return "compile failed: " + e.Code
	}
	return "compile failed: " + e.Code + ": " + e.Detail
}

// Store is the relational surface the pipeline needs. Implemented by
// store.GORMStore.
type Store interface {
	GetArtifact(ctx context.Context, id string) (*models.Artifact, error)
	GetCapsule(ctx context.Context, id string) (*models.Capsule, error)
	CreateArtifactManifest(ctx context.Context, m *models.ArtifactManifest) (int, error)
	UpdateArtifactCompileResult(ctx context.Context, id, bundleDigest, runtimeVersion string) error
}

// RuntimeAssets are the sandbox loader scripts referenced from every
// runtime manifest.
type RuntimeAssets struct {
	Bridge        string `json:"bridge"`
	Guard         string `json:"guard"`
	RuntimeScript string `json:"runtimeScript"`
}

// RuntimeManifest is the artifact descriptor the in-browser sandbox
// loader consumes.
type RuntimeManifest struct {
	ArtifactID string `json:"artifactId"`
	Type       string `json:"type"`
	Runtime    struct {
		Version string        `json:"version"`
		Assets  RuntimeAssets `json:"assets"`
	} `json:"runtime"`
	Bundle struct {
		Key       string `json:"r2Key"`
		SizeBytes int64  `json:"sizeBytes"`
		Digest    string `json:"digest"`
	} `json:"bundle"`
	Source string `json:"source,omitempty"`
}

// defaultRuntimeAssets points at the loader scripts served by the
// static asset origin.
var defaultRuntimeAssets = RuntimeAssets{
	Bridge:        "runtime/v1/bridge.js",
	Guard:         "runtime/v1/guard.js",
	RuntimeScript: "runtime/v1/runtime.js",
}

// Blob keys for compiled artifacts.

// BundleKey returns the blob key of the compiled bundle.
func BundleKey(artifactID string) string {
	return "artifacts/" + artifactID + "/bundle.js"
}

// RuntimeManifestKey returns the canonical versioned manifest key.
func RuntimeManifestKey(artifactID string) string {
	return "artifacts/" + artifactID + "/v" + RuntimeVersion + "/runtime-manifest.json"
}

// RuntimeManifestAliasKey returns the unversioned alias key kept for
// older sandbox loaders.
func RuntimeManifestAliasKey(artifactID string) string {
	return "artifacts/" + artifactID + "/manifest.json"
}

// CacheKey returns the KV cache key mirroring the runtime manifest.
func CacheKey(artifactID string) string {
	return "artifact-manifest:" + artifactID
}

// manifestCacheTTL bounds staleness of the KV mirror; readers fall back
// to the blob store and DB on a miss.
const manifestCacheTTL = 24 * time.Hour

// Pipeline executes one compile end to end. It is stateless; the
// coordinator provides per-artifact serialization.
type Pipeline struct {
	store     Store
	blobs     blob.Store
	cache     kvcache.Cache
	metrics   *metrics.Metrics
	analytics telemetry.Sink
}

// NewPipeline creates a compile pipeline. The cache may be nil, which
// disables the KV mirror; a nil analytics sink is replaced by a no-op.
func NewPipeline(store Store, blobs blob.Store, cache kvcache.Cache, m *metrics.Metrics, analytics telemetry.Sink) *Pipeline {
	if analytics == nil {
		analytics = telemetry.NopSink{}
	}
	return &Pipeline{
		store:     store,
		blobs:     blobs,
		cache:     cache,
		metrics:   m,
		analytics: analytics,
	}
}

// Result is a successful compile outcome.
type Result struct {
	ArtifactID      string `json:"artifactId"`
	RuntimeType     string `json:"type"`
	BundleKey       string `json:"bundleKey"`
	BundleSizeBytes int64  `json:"bundleSizeBytes"`
	BundleDigest    string `json:"bundleDigest"`
	ManifestVersion int    `json:"manifestVersion"`
	Warnings        int    `json:"warnings"`
	ElapsedMs       int64  `json:"elapsedMs"`
}

// Compile runs the pipeline for one artifact. CompileError means the
// capsule source is at fault; any other error is infrastructure.
func (p *Pipeline) Compile(ctx context.Context, artifactID, explicitType string) (*Result, error) {
	ctx, span := itelemetry.StartCompileSpan(ctx, itelemetry.SpanCompileRequest, artifactID)
	defer span.End()

	start := time.Now()
	result, err := p.compile(ctx, artifactID, explicitType)
	elapsed := time.Since(start)

	outcome := "success"
	runtimeType := explicitType
	var size int64
	var warnings int
	if result != nil {
		runtimeType = result.RuntimeType
		size = result.BundleSizeBytes
		warnings = result.Warnings
		result.ElapsedMs = elapsed.Milliseconds()
	}
	if err != nil {
		outcome = "error"
		var cerr *CompileError
		if errors.As(err, &cerr) {
			outcome = cerr.Code
		}
		itelemetry.RecordError(ctx, err)
	}
	p.metrics.ObserveCompile(runtimeType, int(size), elapsed, err)
	p.analytics.Track(ctx, telemetry.Point{
		Name:    "artifact_compile",
		Blobs:   []string{artifactID, runtimeType, outcome},
		Doubles: []float64{float64(size), float64(elapsed.Milliseconds()), float64(warnings)},
		Indexes: []string{artifactID},
	})
	return result, err
}

func (p *Pipeline) compile(ctx context.Context, artifactID, explicitType string) (*Result, error) {
	artifact, err := p.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	capsule, err := p.store.GetCapsule(ctx, artifact.CapsuleID)
	if err != nil {
		return nil, err
	}

	m, parseResult := manifest.Parse([]byte(capsule.ManifestJSON))
	if !parseResult.Valid {
		return nil, &CompileError{Code: CodeUnsupportedRunner, Detail: "capsule manifest is invalid"}
	}
	runtimeType, err := m.RuntimeFor(explicitType)
	if err != nil {
		return nil, &CompileError{Code: CodeUnsupportedRunner, Detail: err.Error()}
	}

	sources, err := p.loadSources(ctx, capsule.ContentHash)
	if err != nil {
		return nil, err
	}
	entry, ok := sources[m.Entry]
	if !ok || len(strings.TrimSpace(string(entry))) == 0 {
		return nil, &CompileError{Code: CodeEmptySource, Detail: fmt.Sprintf("entry %q is missing or empty", m.Entry)}
	}
	if len(entry) > MaxSourceBytes {
		return nil, &CompileError{Code: CodeOversize, Detail: fmt.Sprintf("entry exceeds %d bytes", int64(MaxSourceBytes))}
	}

	var output []byte
	var warnings int
	switch runtimeType {
	case manifest.RuntimeHTML:
		output, err = manifest.SanitizeHTML(entry, bundle.CapsulePrefix(capsule.ContentHash))
		if err != nil {
			return nil, &CompileError{Code: CodeBundlerError, Detail: err.Error()}
		}
	case manifest.RuntimeReactJSX:
		output, warnings, err = bundleJSX(m.Entry, sources)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &CompileError{Code: CodeUnsupportedRunner, Detail: runtimeType}
	}
	if len(output) > MaxOutputBytes {
		return nil, &CompileError{Code: CodeOversize, Detail: fmt.Sprintf("bundle exceeds %d bytes", int64(MaxOutputBytes))}
	}

	digest := sha256.Sum256(output)
	digestHex := hex.EncodeToString(digest[:])
	bundleKey := BundleKey(artifactID)

	if err := p.blobs.Put(ctx, bundleKey, output, map[string]string{
		blob.MetaSHA256:      digestHex,
		blob.MetaContentType: "application/javascript",
	}); err != nil {
		return nil, fmt.Errorf("write bundle: %w", err)
	}

	rm := RuntimeManifest{ArtifactID: artifactID, Type: runtimeType, Source: m.Entry}
	rm.Runtime.Version = RuntimeVersion
	rm.Runtime.Assets = defaultRuntimeAssets
	rm.Bundle.Key = bundleKey
	rm.Bundle.SizeBytes = int64(len(output))
	rm.Bundle.Digest = digestHex

	manifestJSON, err := json.Marshal(rm)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{RuntimeManifestKey(artifactID), RuntimeManifestAliasKey(artifactID)} {
		if err := p.blobs.Put(ctx, key, manifestJSON, map[string]string{
			blob.MetaContentType: "application/json",
		}); err != nil {
			return nil, fmt.Errorf("write runtime manifest: %w", err)
		}
	}

	p.mirrorToCache(ctx, artifactID, manifestJSON)

	version, err := p.store.CreateArtifactManifest(ctx, &models.ArtifactManifest{
		ArtifactID:     artifactID,
		ManifestJSON:   string(manifestJSON),
		SizeBytes:      int64(len(output)),
		RuntimeVersion: RuntimeVersion,
	})
	if err != nil {
		return nil, err
	}
	if err := p.store.UpdateArtifactCompileResult(ctx, artifactID, digestHex, RuntimeVersion); err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "artifact compiled",
		logger.KeyArtifactID, artifactID,
		"runtime_type", runtimeType,
		logger.KeySize, int64(len(output)),
		"manifest_version", version,
	)

	return &Result{
		ArtifactID:      artifactID,
		RuntimeType:     runtimeType,
		BundleKey:       bundleKey,
		BundleSizeBytes: int64(len(output)),
		BundleDigest:    digestHex,
		ManifestVersion: version,
		Warnings:        warnings,
	}, nil
}

// loadSources reads every bundle file under the capsule prefix. The
// metadata descriptor is not a source.
func (p *Pipeline) loadSources(ctx context.Context, contentHash string) (map[string][]byte, error) {
	prefix := bundle.CapsulePrefix(contentHash)
	keys, err := p.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list bundle files: %w", err)
	}

	sources := make(map[string][]byte, len(keys))
	for _, key := range keys {
		path := strings.TrimPrefix(key, prefix)
		if path == bundle.MetadataFileName {
			continue
		}
		data, err := p.blobs.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		sources[path] = data
	}
	return sources, nil
}

// mirrorToCache writes the runtime manifest into the KV cache.
// Best-effort: a failure is logged and the compile proceeds.
func (p *Pipeline) mirrorToCache(ctx context.Context, artifactID string, manifestJSON []byte) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, CacheKey(artifactID), manifestJSON, manifestCacheTTL); err != nil {
		logger.WarnCtx(ctx, "runtime manifest cache mirror failed",
			logger.KeyArtifactID, artifactID,
			logger.KeyErrorCode, "kv_mirror_failed",
			logger.KeyError, err.Error(),
		)
	}
}
