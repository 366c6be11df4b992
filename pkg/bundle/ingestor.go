package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	itelemetry "github.com/capsulehub/capsuled/internal/telemetry"
	"github.com/capsulehub/capsuled/pkg/blob"
	"github.com/capsulehub/capsuled/pkg/manifest"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/telemetry"
	"github.com/google/uuid"
)

// Store is the relational surface the ingestor needs. Implemented by
// store.GORMStore.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	ReserveStorage(ctx context.Context, userID string, delta, maxBytes int64) error
	ReleaseStorage(ctx context.Context, userID string, delta int64) error

	GetCapsule(ctx context.Context, id string) (*models.Capsule, error)
	CreateCapsule(ctx context.Context, capsule *models.Capsule, assets []*models.Asset) error
	DeleteCapsule(ctx context.Context, id string) (int64, error)
	CountCapsulesWithHash(ctx context.Context, contentHash string) (int64, error)
	CreateRemixEdge(ctx context.Context, childCapsuleID, parentCapsuleID string) error
	GetRemixParents(ctx context.Context, childCapsuleID string) ([]string, error)

	CreateArtifact(ctx context.Context, artifact *models.Artifact) (string, error)
}

// ValidationError carries the structured path/message pairs from
// manifest validation.
type ValidationError struct {
	Issues []manifest.Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "bundle validation failed"
	}
	return "bundle validation failed: " + e.Issues[0].String()
}

// CompileRequester is invoked after a successful publish to kick off
// the draft artifact compile. Best-effort; the publish result is
// already committed when it runs.
type CompileRequester func(artifactID string)

// Ingestor runs the bundle publish pipeline.
type Ingestor struct {
	store     Store
	blobs     blob.Store
	metrics   *metrics.Metrics
	analytics telemetry.Sink
	compile   CompileRequester
}

// New creates an ingestor. A nil analytics sink is replaced with a
// no-op; a nil compile hook disables the post-publish compile kick.
func New(store Store, blobs blob.Store, m *metrics.Metrics, analytics telemetry.Sink, compile CompileRequester) *Ingestor {
	if analytics == nil {
		analytics = telemetry.NopSink{}
	}
	return &Ingestor{
		store:     store,
		blobs:     blobs,
		metrics:   m,
		analytics: analytics,
		compile:   compile,
	}
}

// PublishInput is one publish request. Files must include manifest.json.
type PublishInput struct {
	OwnerID string
	Title   string
	Files   []File

	// RemixOf optionally links the new capsule to the parent it was
	// remixed from.
	RemixOf string
}

// PublishResult is the committed outcome of a publish.
type PublishResult struct {
	Capsule     *models.Capsule  `json:"capsule"`
	Artifact    *models.Artifact `json:"artifact"`
	ContentHash string           `json:"contentHash"`
	TotalBytes  int64            `json:"totalBytes"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// capsuleMetadata is the metadata.json descriptor stored next to the
// bundle files.
type capsuleMetadata struct {
	UploadedAt  time.Time `json:"uploadedAt"`
	TotalSize   int64     `json:"totalSize"`
	FileCount   int       `json:"fileCount"`
	ContentHash string    `json:"contentHash"`
	Owner       string    `json:"owner"`
}

// Publish runs the full publish pipeline: validate the manifest,
// sanitize the entry, hash the file set, upload blobs, insert capsule
// and asset rows, and reserve storage. If the storage reservation fails
// the capsule row is compensated away; bundle blobs are only removed
// when no other capsule references the content hash.
func (ing *Ingestor) Publish(ctx context.Context, input PublishInput) (*PublishResult, error) {
	ctx, span := itelemetry.StartSpan(ctx, itelemetry.SpanBundlePublish)
	defer span.End()
	itelemetry.SetAttributes(ctx, itelemetry.UserID(input.OwnerID))

	user, err := ing.store.GetUser(ctx, input.OwnerID)
	if err != nil {
		return nil, err
	}
	limits := user.GetPlan().Limits()

	files, m, warnings, err := ing.prepareFiles(input.Files)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, f := range files {
		total += int64(len(f.Data))
	}
	if total > limits.MaxBundleBytes {
		return nil, fmt.Errorf("%w: bundle is %d bytes, plan allows %d", models.ErrBundleTooLarge, total, limits.MaxBundleBytes)
	}

	contentHash := ContentHash(files)
	itelemetry.SetAttributes(ctx, itelemetry.ContentHash(contentHash), itelemetry.BundleSize(total))

	if err := ing.uploadBlobs(ctx, contentHash, input.OwnerID, files, total); err != nil {
		return nil, err
	}

	manifestJSON, _ := json.Marshal(m)
	capsule := &models.Capsule{
		ID:           uuid.NewString(),
		OwnerID:      input.OwnerID,
		Title:        firstNonEmpty(input.Title, m.Title),
		ManifestJSON: string(manifestJSON),
		ContentHash:  contentHash,
	}
	assets := make([]*models.Asset, 0, len(files))
	for _, f := range files {
		assets = append(assets, &models.Asset{
			CapsuleID: capsule.ID,
			Key:       f.Path,
			Size:      int64(len(f.Data)),
		})
	}
	if err := ing.store.CreateCapsule(ctx, capsule, assets); err != nil {
		return nil, err
	}

	if err := ing.store.ReserveStorage(ctx, input.OwnerID, total, limits.MaxStorageBytes); err != nil {
		ing.compensate(ctx, capsule.ID, contentHash)
		return nil, err
	}

	if input.RemixOf != "" {
		if err := ing.linkRemix(ctx, capsule.ID, input.RemixOf); err != nil {
			warnings = append(warnings, "remix link failed: "+err.Error())
		}
	}

	runtimeType, _ := m.RuntimeFor("")
	artifact := &models.Artifact{
		OwnerID:   input.OwnerID,
		CapsuleID: capsule.ID,
		Type:      runtimeType,
		Status:    string(models.ArtifactDraft),
	}
	if _, err := ing.store.CreateArtifact(ctx, artifact); err != nil {
		// The capsule is committed; an artifact row can be recreated by
		// a later compile request.
		logger.WarnCtx(ctx, "draft artifact creation failed",
			logger.KeyCapsuleID, capsule.ID,
			logger.KeyError, err.Error(),
		)
		warnings = append(warnings, "draft artifact creation failed")
		artifact = nil
	} else if ing.compile != nil {
		ing.compile(artifact.ID)
	}

	ing.analytics.Track(ctx, telemetry.Point{
		Name:    "capsule_publish",
		Blobs:   []string{input.OwnerID, capsule.ID, contentHash, runtimeType},
		Doubles: []float64{float64(total), float64(len(files))},
		Indexes: []string{input.OwnerID},
	})
	logger.InfoCtx(ctx, "capsule published",
		logger.KeyCapsuleID, capsule.ID,
		logger.KeyContentHash, contentHash,
		logger.KeyUserID, input.OwnerID,
		logger.KeySize, total,
	)

	return &PublishResult{
		Capsule:     capsule,
		Artifact:    artifact,
		ContentHash: contentHash,
		TotalBytes:  total,
		Warnings:    warnings,
	}, nil
}

// prepareFiles validates the manifest and sanitizes the HTML entry.
// Returns the possibly-rewritten file set.
func (ing *Ingestor) prepareFiles(files []File) ([]File, *manifest.Manifest, []string, error) {
	var manifestData []byte
	for _, f := range files {
		if f.Path == ManifestFileName {
			manifestData = f.Data
		}
	}
	if manifestData == nil {
		return nil, nil, nil, &ValidationError{Issues: []manifest.Issue{{Path: ManifestFileName, Message: "missing"}}}
	}

	m, result := manifest.Parse(manifestData)
	if !result.Valid {
		return nil, nil, nil, &ValidationError{Issues: result.Errors}
	}
	var warnings []string
	for _, w := range result.Warnings {
		warnings = append(warnings, w.String())
	}

	entryFound := false
	prepared := make([]File, len(files))
	copy(prepared, files)
	for i, f := range prepared {
		if f.Path != m.Entry {
			continue
		}
		entryFound = true
		if manifest.RuntimeForEntry(m.Entry) == manifest.RuntimeHTML {
			sanitized, err := manifest.SanitizeHTML(f.Data, "./")
			if err != nil {
				return nil, nil, nil, &ValidationError{Issues: []manifest.Issue{{Path: m.Entry, Message: "unparseable html entry"}}}
			}
			prepared[i] = File{Path: f.Path, Data: sanitized}
		}
	}
	if !entryFound {
		return nil, nil, nil, &ValidationError{Issues: []manifest.Issue{{Path: "entry", Message: fmt.Sprintf("entry file %q not in bundle", m.Entry)}}}
	}
	return prepared, m, warnings, nil
}

// uploadBlobs writes every bundle file plus the metadata descriptor.
// Keys embed the content hash, so a file that already exists with the
// expected digest is skipped rather than rewritten.
func (ing *Ingestor) uploadBlobs(ctx context.Context, contentHash, ownerID string, files []File, total int64) error {
	for _, f := range files {
		key := CapsuleKey(contentHash, f.Path)
		fileSum := FileSHA256(f.Data)

		if info, err := ing.blobs.Head(ctx, key); err == nil && info.Metadata[blob.MetaSHA256] == fileSum {
			continue
		}

		start := time.Now()
		err := ing.blobs.Put(ctx, key, f.Data, map[string]string{
			blob.MetaSHA256:      fileSum,
			blob.MetaContentType: contentTypeFor(f.Path),
		})
		ing.metrics.ObserveBlobOperation("put", time.Since(start), err)
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}

	meta := capsuleMetadata{
		UploadedAt:  time.Now().UTC(),
		TotalSize:   total,
		FileCount:   len(files),
		ContentHash: contentHash,
		Owner:       ownerID,
	}
	metaJSON, _ := json.Marshal(meta)
	if err := ing.blobs.Put(ctx, CapsuleKey(contentHash, MetadataFileName), metaJSON, map[string]string{
		blob.MetaContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("upload metadata: %w", err)
	}
	return nil
}

// compensate unwinds the capsule row after a failed storage
// reservation. Bundle blobs are shared by content hash and only removed
// once no capsule row references the hash anymore.
func (ing *Ingestor) compensate(ctx context.Context, capsuleID, contentHash string) {
	if _, err := ing.store.DeleteCapsule(ctx, capsuleID); err != nil {
		logger.ErrorCtx(ctx, "publish compensation failed",
			logger.KeyCapsuleID, capsuleID,
			logger.KeyError, err.Error(),
		)
		return
	}
	ing.deleteBlobsIfUnreferenced(ctx, contentHash)
}

// Delete removes a capsule owned by userID, releases its storage, and
// garbage-collects the bundle blobs when no other capsule shares the
// content hash.
func (ing *Ingestor) Delete(ctx context.Context, userID, capsuleID string) error {
	capsule, err := ing.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return err
	}
	if capsule.OwnerID != userID {
		return models.ErrForbidden
	}

	freed, err := ing.store.DeleteCapsule(ctx, capsuleID)
	if err != nil {
		return err
	}
	if err := ing.store.ReleaseStorage(ctx, userID, freed); err != nil {
		logger.WarnCtx(ctx, "storage release failed, reconciliation will correct",
			logger.KeyUserID, userID,
			logger.KeyError, err.Error(),
		)
	}
	ing.deleteBlobsIfUnreferenced(ctx, capsule.ContentHash)

	logger.InfoCtx(ctx, "capsule deleted",
		logger.KeyCapsuleID, capsuleID,
		logger.KeySize, freed,
	)
	return nil
}

func (ing *Ingestor) deleteBlobsIfUnreferenced(ctx context.Context, contentHash string) {
	remaining, err := ing.store.CountCapsulesWithHash(ctx, contentHash)
	if err != nil || remaining > 0 {
		return
	}
	keys, err := ing.blobs.List(ctx, CapsulePrefix(contentHash))
	if err != nil {
		logger.WarnCtx(ctx, "orphaned bundle blob listing failed",
			logger.KeyContentHash, contentHash,
			logger.KeyError, err.Error(),
		)
		return
	}
	for _, key := range keys {
		if err := ing.blobs.Delete(ctx, key); err != nil {
			logger.WarnCtx(ctx, "orphaned bundle blob delete failed",
				logger.KeyBlobKey, key,
				logger.KeyError, err.Error(),
			)
		}
	}
}

// linkRemix records the child-to-parent remix edge after verifying the
// parent exists and its ancestry terminates.
func (ing *Ingestor) linkRemix(ctx context.Context, childID, parentID string) error {
	if _, err := ing.store.GetCapsule(ctx, parentID); err != nil {
		return err
	}
	if _, err := ing.Ancestry(ctx, parentID); err != nil {
		return err
	}
	return ing.store.CreateRemixEdge(ctx, childID, parentID)
}

// Ancestry walks the remix parents of a capsule, oldest last. Cycles
// are a data bug; the visited set makes the walk terminate and reports
// ErrRemixCycle instead of looping.
func (ing *Ingestor) Ancestry(ctx context.Context, capsuleID string) ([]string, error) {
	var ancestry []string
	visited := map[string]bool{capsuleID: true}
	frontier := []string{capsuleID}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		parents, err := ing.store.GetRemixParents(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, parent := range parents {
			if visited[parent] {
				return nil, models.ErrRemixCycle
			}
			visited[parent] = true
			ancestry = append(ancestry, parent)
			frontier = append(frontier, parent)
		}
	}
	return ancestry, nil
}

// ImportZip extracts an uploaded archive and publishes it.
func (ing *Ingestor) ImportZip(ctx context.Context, ownerID, title string, data []byte) (*PublishResult, error) {
	ctx, span := itelemetry.StartSpan(ctx, itelemetry.SpanBundleImport)
	defer span.End()

	files, err := ExtractZip(data)
	if err != nil {
		return nil, &ValidationError{Issues: []manifest.Issue{{Path: "archive", Message: err.Error()}}}
	}
	return ing.Publish(ctx, PublishInput{OwnerID: ownerID, Title: title, Files: files})
}

// ImportGitHub fetches a repository zipball and publishes it.
func (ing *Ingestor) ImportGitHub(ctx context.Context, fetcher *GitHubFetcher, ownerID, title, repoURL string) (*PublishResult, error) {
	ctx, span := itelemetry.StartSpan(ctx, itelemetry.SpanBundleFetch)
	defer span.End()

	files, err := fetcher.Fetch(ctx, repoURL)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ValidationError{Issues: []manifest.Issue{{Path: "url", Message: err.Error()}}}
	}
	return ing.Publish(ctx, PublishInput{OwnerID: ownerID, Title: title, Files: files})
}

func contentTypeFor(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
