package store

import (
	"context"
	"strconv"

	"gorm.io/gorm"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// ARTIFACT OPERATIONS
// ============================================

func (s *GORMStore) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	return getByField[models.Artifact](s.db, ctx, "id", id, models.ErrArtifactNotFound)
}

func (s *GORMStore) GetArtifactByCapsule(ctx context.Context, capsuleID string) (*models.Artifact, error) {
	return getByField[models.Artifact](s.db, ctx, "capsule_id", capsuleID, models.ErrArtifactNotFound)
}

func (s *GORMStore) CreateArtifact(ctx context.Context, artifact *models.Artifact) (string, error) {
	return createWithID(s.db, ctx, artifact,
		func(a *models.Artifact, id string) { a.ID = id },
		artifact.ID, models.ErrConflict)
}

// UpdateArtifactCompileResult promotes an artifact after a successful
// compile: digest, runtime version, and draft-to-active transition in one
// update. Artifacts already quarantined or removed keep their status.
func (s *GORMStore) UpdateArtifactCompileResult(ctx context.Context, id, bundleDigest, runtimeVersion string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Artifact{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"bundle_digest":   bundleDigest,
			"runtime_version": runtimeVersion,
			"status": gorm.Expr(
				"CASE WHEN status = ? THEN ? ELSE status END",
				models.ArtifactDraft, models.ArtifactActive,
			),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrArtifactNotFound
	}
	return nil
}

// SetArtifactStatus sets the lifecycle status directly. Moderation paths
// use this for quarantine and removal.
func (s *GORMStore) SetArtifactStatus(ctx context.Context, id string, status models.ArtifactStatus) error {
	result := s.db.WithContext(ctx).
		Model(&models.Artifact{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrArtifactNotFound
	}
	return nil
}

// SetArtifactPolicy updates the safety evaluation columns.
func (s *GORMStore) SetArtifactPolicy(ctx context.Context, id, policyStatus, safetyTier string, riskScore float64) error {
	result := s.db.WithContext(ctx).
		Model(&models.Artifact{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"policy_status": policyStatus,
			"safety_tier":   safetyTier,
			"risk_score":    riskScore,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrArtifactNotFound
	}
	return nil
}

// ============================================
// ARTIFACT MANIFESTS
// ============================================

// CreateArtifactManifest appends the next manifest version for an
// artifact. Versions are dense (1, 2, 3, ...); the next number is derived
// inside the transaction, and the unique (artifact_id, version) index
// catches a concurrent writer, which surfaces as ErrConflict.
func (s *GORMStore) CreateArtifactManifest(ctx context.Context, manifest *models.ArtifactManifest) (int, error) {
	var version int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&models.ArtifactManifest{}).
			Where("artifact_id = ?", manifest.ArtifactID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}

		manifest.Version = maxVersion + 1
		if manifest.ID == "" {
			manifest.ID = manifest.ArtifactID + ":" + strconv.Itoa(manifest.Version)
		}
		if err := tx.Create(manifest).Error; err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrConflict
			}
			return err
		}
		version = manifest.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// GetArtifactManifest returns one manifest version, or the latest when
// version is zero.
func (s *GORMStore) GetArtifactManifest(ctx context.Context, artifactID string, version int) (*models.ArtifactManifest, error) {
	var manifest models.ArtifactManifest
	q := s.db.WithContext(ctx).Where("artifact_id = ?", artifactID)
	if version > 0 {
		q = q.Where("version = ?", version)
	} else {
		q = q.Order("version DESC")
	}
	if err := q.First(&manifest).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrManifestNotFound)
	}
	return &manifest, nil
}

// ListArtifactManifests returns all manifest versions, oldest first.
func (s *GORMStore) ListArtifactManifests(ctx context.Context, artifactID string) ([]*models.ArtifactManifest, error) {
	var manifests []*models.ArtifactManifest
	if err := s.db.WithContext(ctx).
		Where("artifact_id = ?", artifactID).
		Order("version").
		Find(&manifests).Error; err != nil {
		return nil, err
	}
	return manifests, nil
}
