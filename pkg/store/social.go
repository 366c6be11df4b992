package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// LIKES
// ============================================

// CreateLike records a like. Returns created=false when the like already
// exists, so callers only enqueue a counter delta for genuinely new
// likes.
func (s *GORMStore) CreateLike(ctx context.Context, userID, postID string) (created bool, err error) {
	like := &models.Like{UserID: userID, PostID: postID, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(like).Error; err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteLike removes a like. Returns deleted=false when no like existed;
// the delete-then-count pattern keeps unlike idempotent without ever
// driving the counter negative.
func (s *GORMStore) DeleteLike(ctx context.Context, userID, postID string) (deleted bool, err error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ?", userID, postID).
		Delete(&models.Like{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// HasLiked reports whether the user has liked the post.
func (s *GORMStore) HasLiked(ctx context.Context, userID, postID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Like{}).
		Where("user_id = ? AND post_id = ?", userID, postID).
		Count(&count).Error
	return count > 0, err
}

// ListLikedPostIDs returns the subset of postIDs the user has liked.
// One query per feed page instead of one HasLiked per row.
func (s *GORMStore) ListLikedPostIDs(ctx context.Context, userID string, postIDs []string) ([]string, error) {
	if len(postIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.Like{}).
		Where("user_id = ? AND post_id IN ?", userID, postIDs).
		Pluck("post_id", &ids).Error
	return ids, err
}

// CountLikes returns the true like count for a post. Reconciliation
// ground truth for the denormalized likes counter.
func (s *GORMStore) CountLikes(ctx context.Context, postID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Like{}).
		Where("post_id = ?", postID).
		Count(&count).Error
	return count, err
}

// ============================================
// FOLLOWS
// ============================================

// CreateFollow records a follow edge. Self-follows are rejected; an
// existing edge reports created=false.
func (s *GORMStore) CreateFollow(ctx context.Context, followerID, followeeID string) (created bool, err error) {
	if followerID == followeeID {
		return false, models.ErrSelfFollow
	}
	follow := &models.Follow{FollowerID: followerID, FolloweeID: followeeID, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(follow).Error; err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteFollow removes a follow edge. Returns deleted=false when no edge
// existed.
func (s *GORMStore) DeleteFollow(ctx context.Context, followerID, followeeID string) (deleted bool, err error) {
	result := s.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Delete(&models.Follow{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// IsFollowing reports whether follower follows followee.
func (s *GORMStore) IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Count(&count).Error
	return count > 0, err
}

// ListFollowing returns the ids of users the follower follows.
func (s *GORMStore) ListFollowing(ctx context.Context, followerID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("follower_id = ?", followerID).
		Pluck("followee_id", &ids).Error
	return ids, err
}

// CountFollowers returns the true follower count for a user.
func (s *GORMStore) CountFollowers(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("followee_id = ?", userID).
		Count(&count).Error
	return count, err
}

// CountFollowing returns the true following count for a user.
func (s *GORMStore) CountFollowing(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("follower_id = ?", userID).
		Count(&count).Error
	return count, err
}

// ============================================
// COMMENTS
// ============================================

func (s *GORMStore) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	return getByField[models.Comment](s.db, ctx, "id", id, models.ErrCommentNotFound)
}

// CreateComment inserts a comment after validating its threading: a
// parent must exist and belong to the same post, and threads are at most
// one level deep (replying to a reply attaches to the top-level parent's
// id, validated here rather than silently rewritten).
func (s *GORMStore) CreateComment(ctx context.Context, comment *models.Comment) (string, error) {
	if comment.ParentCommentID != nil {
		parent, err := s.GetComment(ctx, *comment.ParentCommentID)
		if err != nil {
			return "", models.ErrParentNotFound
		}
		if parent.PostID != comment.PostID {
			return "", models.ErrParentMismatch
		}
		if parent.ParentCommentID != nil {
			// One level of nesting only; re-point to the thread root.
			comment.ParentCommentID = parent.ParentCommentID
		}
	}
	comment.CreatedAt = time.Now()
	return createWithID(s.db, ctx, comment,
		func(c *models.Comment, id string) { c.ID = id },
		comment.ID, models.ErrConflict)
}

// DeleteComment removes a comment and its direct replies. Returns the
// number of removed rows for counter adjustment.
func (s *GORMStore) DeleteComment(ctx context.Context, id string) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var comment models.Comment
		if err := tx.Where("id = ?", id).First(&comment).Error; err != nil {
			return convertNotFoundError(err, models.ErrCommentNotFound)
		}

		replies := tx.Where("parent_comment_id = ?", id).Delete(&models.Comment{})
		if replies.Error != nil {
			return replies.Error
		}
		if err := tx.Delete(&comment).Error; err != nil {
			return err
		}
		removed = replies.RowsAffected + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ListComments returns a post's comments, oldest first. Quarantined
// comments are included; presentation filtering is the handler's job.
func (s *GORMStore) ListComments(ctx context.Context, postID string, limit int) ([]*models.Comment, error) {
	if limit <= 0 {
		limit = 100
	}
	var comments []*models.Comment
	if err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at").
		Limit(limit).
		Find(&comments).Error; err != nil {
		return nil, err
	}
	return comments, nil
}

// CountComments returns the true comment count for a post.
func (s *GORMStore) CountComments(ctx context.Context, postID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Comment{}).
		Where("post_id = ?", postID).
		Count(&count).Error
	return count, err
}

// ============================================
// MODERATION AUDIT
// ============================================

// AppendModerationAudit records one moderation action.
func (s *GORMStore) AppendModerationAudit(ctx context.Context, audit *models.ModerationAudit) error {
	audit.CreatedAt = time.Now()
	_, err := createWithID(s.db, ctx, audit,
		func(a *models.ModerationAudit, id string) { a.ID = id },
		audit.ID, models.ErrConflict)
	return err
}

// ListModerationAudits returns the audit trail for an entity, newest
// first.
func (s *GORMStore) ListModerationAudits(ctx context.Context, entityType, entityID string) ([]*models.ModerationAudit, error) {
	var audits []*models.ModerationAudit
	if err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at DESC").
		Find(&audits).Error; err != nil {
		return nil, err
	}
	return audits, nil
}
