// Package bundle implements capsule bundle ingestion: content hashing,
// ZIP and GitHub imports, and the publish pipeline that persists bundle
// blobs, capsule rows, and storage accounting as one logical operation.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// File is one entry of a capsule bundle. Path is relative to the bundle
// root with forward slashes.
type File struct {
	Path string
	Data []byte
}

// ManifestFileName is the bundle entry holding the capsule manifest.
const ManifestFileName = "manifest.json"

// MetadataFileName is the descriptor written next to the bundle files.
// It is not part of the content hash.
const MetadataFileName = "metadata.json"

// FileSHA256 returns the hex SHA-256 of a single file's raw bytes.
func FileSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHash computes the bundle content hash: the SHA-256 of the
// concatenated per-file SHA-256 digests taken in path-sorted order.
// Insertion order never matters, so re-imports of the same file set
// converge on the same blob key prefix.
func ContentHash(files []File) string {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, f := range sorted {
		sum := sha256.Sum256(f.Data)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CapsuleKey returns the blob key for one bundle file.
func CapsuleKey(contentHash, path string) string {
	return "capsules/" + contentHash + "/" + path
}

// CapsulePrefix returns the blob key prefix shared by a bundle's files.
func CapsulePrefix(contentHash string) string {
	return "capsules/" + contentHash + "/"
}
