package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so logs can be
// aggregated and queried by entity id.
const (
	// Tracing / request correlation
	KeyTraceID   = "trace_id"
	KeySpanID    = "span_id"
	KeyRequestID = "request_id"

	// Actors and entities
	KeyUserID     = "user_id"
	KeyCapsuleID  = "capsule_id"
	KeyArtifactID = "artifact_id"
	KeyPostID     = "post_id"
	KeyRunID      = "run_id"
	KeyCommentID  = "comment_id"

	// Client identification
	KeyClientIP = "client_ip"

	// Blob / cache layer
	KeyBlobKey     = "blob_key"
	KeyBucket      = "bucket"
	KeyContentHash = "content_hash"
	KeyCacheHit    = "cache_hit"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyAttempt    = "attempt"
	KeySize       = "size"
	KeyStatus     = "status"

	// Shards
	KeyShard      = "shard"
	KeyShardKey   = "shard_key"
	KeyBatchSize  = "batch_size"
	KeyFlushDelay = "flush_delay"
)

// Field constructors for type safety.

// UserID returns a slog.Attr for a user id
func UserID(id string) slog.Attr {
	return slog.String(KeyUserID, id)
}

// CapsuleID returns a slog.Attr for a capsule id
func CapsuleID(id string) slog.Attr {
	return slog.String(KeyCapsuleID, id)
}

// ArtifactID returns a slog.Attr for an artifact id
func ArtifactID(id string) slog.Attr {
	return slog.String(KeyArtifactID, id)
}

// PostID returns a slog.Attr for a post id
func PostID(id string) slog.Attr {
	return slog.String(KeyPostID, id)
}

// RunID returns a slog.Attr for a run id
func RunID(id string) slog.Attr {
	return slog.String(KeyRunID, id)
}

// BlobKey returns a slog.Attr for a blob store object key
func BlobKey(key string) slog.Attr {
	return slog.String(KeyBlobKey, key)
}

// ContentHash returns a slog.Attr for a bundle content hash
func ContentHash(hash string) slog.Attr {
	return slog.String(KeyContentHash, hash)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a string error code
func ErrorCode(code string) slog.Attr {
	return slog.String(KeyErrorCode, code)
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Size returns a slog.Attr for a byte size
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}
