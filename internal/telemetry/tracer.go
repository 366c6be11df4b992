package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for control plane operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// Client attributes
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// Entity attributes
	AttrUserID     = "user.id"
	AttrCapsuleID  = "capsule.id"
	AttrArtifactID = "artifact.id"
	AttrPostID     = "post.id"
	AttrRunID      = "run.id"

	// Bundle and compile attributes
	AttrContentHash  = "bundle.content_hash"
	AttrBundleSize   = "bundle.size"
	AttrRuntimeType  = "artifact.runtime_type"
	AttrBundleDigest = "artifact.bundle_digest"

	// Shard attributes
	AttrShard     = "shard.name"
	AttrShardKey  = "shard.key"
	AttrBatchSize = "shard.batch_size"

	// Cache attributes
	AttrCacheHit = "cache.hit"

	// Storage backend attributes
	AttrBucket = "storage.bucket"
	AttrKey    = "storage.key"

	// Egress proxy attributes
	AttrProxyHost    = "proxy.host"
	AttrProxyVerdict = "proxy.verdict"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	SpanBundleImport   = "bundle.import"
	SpanBundlePublish  = "bundle.publish"
	SpanBundleFetch    = "bundle.fetch_github"
	SpanCompileRequest = "compiler.compile"
	SpanCompileBundle  = "compiler.esbuild"
	SpanRunStart       = "runs.start"
	SpanRunComplete    = "runs.complete"
	SpanProxyFetch     = "proxy.fetch"
	SpanFeedBuild      = "feed.build"
	SpanReconcileSweep = "reconcile.sweep"
	SpanShardFlush     = "shard.flush"
	SpanBlobRead       = "blob.read"
	SpanBlobWrite      = "blob.write"
	SpanCacheLookup    = "cache.lookup"
	SpanCacheWrite     = "cache.write"
)

// ClientIP returns an attribute for client IP address
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// UserID returns an attribute for the acting user
func UserID(id string) attribute.KeyValue {
	return attribute.String(AttrUserID, id)
}

// CapsuleID returns an attribute for capsule id
func CapsuleID(id string) attribute.KeyValue {
	return attribute.String(AttrCapsuleID, id)
}

// ArtifactID returns an attribute for artifact id
func ArtifactID(id string) attribute.KeyValue {
	return attribute.String(AttrArtifactID, id)
}

// PostID returns an attribute for post id
func PostID(id string) attribute.KeyValue {
	return attribute.String(AttrPostID, id)
}

// RunID returns an attribute for run id
func RunID(id string) attribute.KeyValue {
	return attribute.String(AttrRunID, id)
}

// ContentHash returns an attribute for bundle content hash
func ContentHash(hash string) attribute.KeyValue {
	return attribute.String(AttrContentHash, hash)
}

// BundleSize returns an attribute for bundle byte size
func BundleSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrBundleSize, size)
}

// Shard returns an attribute for shard name
func Shard(name string) attribute.KeyValue {
	return attribute.String(AttrShard, name)
}

// ShardKey returns an attribute for shard key
func ShardKey(key string) attribute.KeyValue {
	return attribute.String(AttrShardKey, key)
}

// BatchSize returns an attribute for flush batch size
func BatchSize(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

// CacheHit returns an attribute for cache hit indicator
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// Bucket returns an attribute for S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// ProxyHost returns an attribute for egress proxy target host
func ProxyHost(host string) attribute.KeyValue {
	return attribute.String(AttrProxyHost, host)
}

// ProxyVerdict returns an attribute for egress proxy decision
func ProxyVerdict(verdict string) attribute.KeyValue {
	return attribute.String(AttrProxyVerdict, verdict)
}

// StartBundleSpan starts a span for a bundle pipeline operation.
func StartBundleSpan(ctx context.Context, name, capsuleID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{CapsuleID(capsuleID)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartCompileSpan starts a span for a compiler operation.
func StartCompileSpan(ctx context.Context, name, artifactID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{ArtifactID(artifactID)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartShardSpan starts a span for a shard flush or apply.
func StartShardSpan(ctx context.Context, name, shard, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Shard(shard), ShardKey(key)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}
