package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// CAPSULE OPERATIONS
// ============================================

func (s *GORMStore) GetCapsule(ctx context.Context, id string) (*models.Capsule, error) {
	return getByField[models.Capsule](s.db, ctx, "id", id, models.ErrCapsuleNotFound)
}

func (s *GORMStore) ListCapsulesByOwner(ctx context.Context, ownerID string) ([]*models.Capsule, error) {
	var capsules []*models.Capsule
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&capsules).Error; err != nil {
		return nil, err
	}
	return capsules, nil
}

// CreateCapsule inserts the capsule row together with its asset rows in
// one transaction. Asset rows drive both quota reconciliation and blob
// retention decisions, so they must never drift from the capsule row.
func (s *GORMStore) CreateCapsule(ctx context.Context, capsule *models.Capsule, assets []*models.Asset) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(capsule).Error; err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrConflict
			}
			return err
		}
		for _, asset := range assets {
			asset.CapsuleID = capsule.ID
		}
		if len(assets) > 0 {
			if err := tx.Create(assets).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteCapsule removes the capsule, its assets, and its remix edges.
// Returns the deleted asset total so the caller can refund quota.
func (s *GORMStore) DeleteCapsule(ctx context.Context, id string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var capsule models.Capsule
		if err := tx.Where("id = ?", id).First(&capsule).Error; err != nil {
			return convertNotFoundError(err, models.ErrCapsuleNotFound)
		}

		if err := tx.Model(&models.Asset{}).
			Where("capsule_id = ?", id).
			Select("COALESCE(SUM(size), 0)").
			Scan(&total).Error; err != nil {
			return err
		}

		if err := tx.Where("capsule_id = ?", id).Delete(&models.Asset{}).Error; err != nil {
			return err
		}
		if err := tx.Where("child_capsule_id = ? OR parent_capsule_id = ?", id, id).
			Delete(&models.Remix{}).Error; err != nil {
			return err
		}
		return tx.Delete(&capsule).Error
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *GORMStore) ListAssets(ctx context.Context, capsuleID string) ([]*models.Asset, error) {
	return listByField[models.Asset](s.db, ctx, "capsule_id", capsuleID)
}

// AssetTotal returns the summed asset size for a capsule.
func (s *GORMStore) AssetTotal(ctx context.Context, capsuleID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.Asset{}).
		Where("capsule_id = ?", capsuleID).
		Select("COALESCE(SUM(size), 0)").
		Scan(&total).Error
	return total, err
}

// OwnerAssetTotal returns the summed asset size across all capsules of
// an owner. This is the ground truth the reconciliation sweeper compares
// against the denormalized usage column.
func (s *GORMStore) OwnerAssetTotal(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.Asset{}).
		Joins("JOIN capsules ON capsules.id = assets.capsule_id").
		Where("capsules.owner_id = ?", ownerID).
		Select("COALESCE(SUM(assets.size), 0)").
		Scan(&total).Error
	return total, err
}

// GetCapsules returns the capsules with the given ids, keyed by id. Used
// for feed enrichment.
func (s *GORMStore) GetCapsules(ctx context.Context, ids []string) (map[string]*models.Capsule, error) {
	if len(ids) == 0 {
		return map[string]*models.Capsule{}, nil
	}
	var capsules []*models.Capsule
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&capsules).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*models.Capsule, len(capsules))
	for _, c := range capsules {
		out[c.ID] = c
	}
	return out, nil
}

// CountCapsulesWithHash returns how many capsules reference a content
// hash. Bundle blobs are shared across capsules with identical content,
// so blobs are only removed when this count drops to zero.
func (s *GORMStore) CountCapsulesWithHash(ctx context.Context, contentHash string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Capsule{}).
		Where("content_hash = ?", contentHash).
		Count(&count).Error
	return count, err
}

// SetCapsuleQuarantined flips the capsule moderation flag.
func (s *GORMStore) SetCapsuleQuarantined(ctx context.Context, id string, quarantined bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.Capsule{}).
		Where("id = ?", id).
		Update("quarantined", quarantined)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrCapsuleNotFound
	}
	return nil
}

// ============================================
// REMIX LINEAGE
// ============================================

// CreateRemixEdge records that child was forked from parent. The edge is
// idempotent; re-linking the same pair is a no-op.
func (s *GORMStore) CreateRemixEdge(ctx context.Context, childCapsuleID, parentCapsuleID string) error {
	edge := &models.Remix{
		ChildCapsuleID:  childCapsuleID,
		ParentCapsuleID: parentCapsuleID,
	}
	if err := s.db.WithContext(ctx).Create(edge).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil
		}
		return err
	}
	return nil
}

// GetRemixParents returns the parent capsule ids of a child.
func (s *GORMStore) GetRemixParents(ctx context.Context, childCapsuleID string) ([]string, error) {
	var parents []string
	err := s.db.WithContext(ctx).
		Model(&models.Remix{}).
		Where("child_capsule_id = ?", childCapsuleID).
		Pluck("parent_capsule_id", &parents).Error
	return parents, err
}

// CountRemixChildren returns how many capsules were forked from parent.
func (s *GORMStore) CountRemixChildren(ctx context.Context, parentCapsuleID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Remix{}).
		Where("parent_capsule_id = ?", parentCapsuleID).
		Count(&count).Error
	return count, err
}

// CountRemixesByChildOwner counts remix edges whose child capsule belongs
// to the user. The remix counter credits the remixer, so this is the
// reconciliation ground truth for users.remixes_count.
func (s *GORMStore) CountRemixesByChildOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Remix{}).
		Joins("JOIN capsules ON capsules.id = remixes.child_capsule_id").
		Where("capsules.owner_id = ?", ownerID).
		Count(&count).Error
	return count, err
}
