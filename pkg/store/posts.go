package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// POST OPERATIONS
// ============================================

func (s *GORMStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	return getByField[models.Post](s.db, ctx, "id", id, models.ErrPostNotFound)
}

func (s *GORMStore) CreatePost(ctx context.Context, post *models.Post) (string, error) {
	post.CreatedAt = time.Now()
	return createWithID(s.db, ctx, post,
		func(p *models.Post, id string) { p.ID = id },
		post.ID, models.ErrConflict)
}

// DeletePost removes the post and its dependent social rows.
func (s *GORMStore) DeletePost(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post models.Post
		if err := tx.Where("id = ?", id).First(&post).Error; err != nil {
			return convertNotFoundError(err, models.ErrPostNotFound)
		}

		if err := tx.Where("post_id = ?", id).Delete(&models.Like{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", id).Delete(&models.Comment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&post).Error
	})
}

// SetPostQuarantined flips the post moderation flag.
func (s *GORMStore) SetPostQuarantined(ctx context.Context, id string, quarantined bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("id = ?", id).
		Update("quarantined", quarantined)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrPostNotFound
	}
	return nil
}

// ============================================
// FEED QUERIES
// ============================================

// FeedPage selects candidate posts for one feed page. Overfetching and
// safety filtering happen in the feed package; this layer only knows how
// to produce ordered slices per mode.
type FeedPage struct {
	// Before restricts results to posts created strictly before this
	// time. Zero means no cursor.
	Before time.Time

	// Limit caps the number of returned rows.
	Limit int

	// AuthorIDs restricts posts to the given authors (following mode).
	AuthorIDs []string

	// Offset skips rows for page-number pagination.
	Offset int

	// Tag restricts posts to those carrying the tag (tags mode).
	Tag string

	// Query matches title, description, or tags case-insensitively.
	Query string

	// ViewerID exempts the viewer's own shadow-banned content.
	ViewerID string
}

// ListFeedPosts returns public, non-quarantined posts in reverse
// chronological order. Shadow-banned authors are filtered out unless the
// viewer is the author.
func (s *GORMStore) ListFeedPosts(ctx context.Context, page FeedPage) ([]*models.Post, error) {
	q := s.db.WithContext(ctx).
		Model(&models.Post{}).
		Joins("JOIN users ON users.id = posts.author_id").
		Where("posts.visibility = ?", models.VisibilityPublic).
		Where("posts.quarantined = ?", false).
		Where("users.suspended = ?", false)

	if page.ViewerID != "" {
		q = q.Where("users.shadow_banned = ? OR posts.author_id = ?", false, page.ViewerID)
	} else {
		q = q.Where("users.shadow_banned = ?", false)
	}

	if !page.Before.IsZero() {
		q = q.Where("posts.created_at < ?", page.Before)
	}
	if len(page.AuthorIDs) > 0 {
		q = q.Where("posts.author_id IN ?", page.AuthorIDs)
	}
	if page.Tag != "" {
		// Tags are stored as a JSON array of strings; a quoted substring
		// match avoids a JSON function that differs between backends.
		q = q.Where("posts.tags LIKE ?", "%\""+page.Tag+"\"%")
	}
	if page.Query != "" {
		needle := "%" + strings.ToLower(page.Query) + "%"
		q = q.Where(
			"LOWER(posts.title) LIKE ? OR LOWER(posts.description) LIKE ? OR LOWER(posts.tags) LIKE ?",
			needle, needle, needle,
		)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}

	q = q.Order("posts.created_at DESC").Limit(limit)
	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}

	var posts []*models.Post
	if err := q.Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// ListPostsByAuthor returns an author's posts, newest first, including
// unlisted and private ones. Visibility filtering is the caller's job.
func (s *GORMStore) ListPostsByAuthor(ctx context.Context, authorID string, limit int) ([]*models.Post, error) {
	if limit <= 0 {
		limit = 20
	}
	var posts []*models.Post
	if err := s.db.WithContext(ctx).
		Where("author_id = ?", authorID).
		Order("created_at DESC").
		Limit(limit).
		Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// ============================================
// POST COUNTERS
// ============================================

var postCounterColumns = map[string]bool{
	"likes_count":    true,
	"comments_count": true,
	"runs_count":     true,
	"remixes_count":  true,
}

// ApplyPostCounterDelta adds delta to a counter column, clamping at zero.
// Missing rows are ignored.
func (s *GORMStore) ApplyPostCounterDelta(ctx context.Context, postID, column string, delta int64) error {
	if !postCounterColumns[column] {
		return errors.New("unknown post counter column: " + column)
	}
	return s.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("id = ?", postID).
		Update(column, gorm.Expr(
			"CASE WHEN "+column+" + ? < 0 THEN 0 ELSE "+column+" + ? END",
			delta, delta,
		)).Error
}

// OverwritePostCounters sets the denormalized counters to absolute
// values, guarded by the current value of each column so a concurrent
// counter flush is never clobbered. Returns whether the write applied.
// Used by the reconciliation sweeper.
func (s *GORMStore) OverwritePostCounters(ctx context.Context, postID string, counters, current map[string]int64) (bool, error) {
	updates := make(map[string]any, len(counters))
	for column, value := range counters {
		if !postCounterColumns[column] {
			return false, errors.New("unknown post counter column: " + column)
		}
		updates[column] = value
	}
	if len(updates) == 0 {
		return true, nil
	}

	q := s.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("id = ?", postID)
	for column, value := range current {
		if !postCounterColumns[column] {
			return false, errors.New("unknown post counter column: " + column)
		}
		q = q.Where(column+" = ?", value)
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountPostsByAuthor returns the true post count for a user.
// Reconciliation ground truth for the denormalized posts counter.
func (s *GORMStore) CountPostsByAuthor(ctx context.Context, authorID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("author_id = ?", authorID).
		Count(&count).Error
	return count, err
}

// ListPostIDs returns all post ids in stable order. Used by the
// reconciliation sweeper.
func (s *GORMStore) ListPostIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&models.Post{}).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// GetPosts returns the posts with the given ids, keyed by id. Used for
// feed enrichment.
func (s *GORMStore) GetPosts(ctx context.Context, ids []string) (map[string]*models.Post, error) {
	if len(ids) == 0 {
		return map[string]*models.Post{}, nil
	}
	var posts []*models.Post
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&posts).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*models.Post, len(posts))
	for _, p := range posts {
		out[p.ID] = p
	}
	return out, nil
}
