package store

import (
	"context"
	"time"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// RUN OPERATIONS
// ============================================

func (s *GORMStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return getByField[models.Run](s.db, ctx, "id", id, models.ErrRunNotFound)
}

// CreateRun inserts a run row. The run id is client-supplied and acts as
// the idempotency key: re-posting the same id returns the existing row
// with created=false instead of double counting.
func (s *GORMStore) CreateRun(ctx context.Context, run *models.Run) (created bool, err error) {
	run.StartedAt = time.Now()
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		if isUniqueConstraintError(err) {
			existing, getErr := s.GetRun(ctx, run.ID)
			if getErr != nil {
				return false, getErr
			}
			*run = *existing
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CompleteRun finalizes a run. Only runs still in the started state are
// updated; completing an already-final run is a no-op that reports
// created=false so the handler can answer idempotently.
func (s *GORMStore) CompleteRun(ctx context.Context, id string, status models.RunStatus, durationMs int64, errorMessage string) (updated bool, err error) {
	now := time.Now()
	updates := map[string]any{
		"status":       status,
		"duration_ms":  durationMs,
		"completed_at": now,
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	result := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("id = ? AND status = ?", id, models.RunStarted).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		// Either missing or already final.
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// CountActiveRuns counts a user's runs started within the active window
// that have not yet completed. The window bounds how long an abandoned
// run (client crashed, never completed) keeps occupying a concurrency
// slot.
func (s *GORMStore) CountActiveRuns(ctx context.Context, userID string, window time.Duration) (int64, error) {
	var count int64
	cutoff := time.Now().Add(-window)
	err := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("user_id = ? AND status = ? AND started_at > ?", userID, models.RunStarted, cutoff).
		Count(&count).Error
	return count, err
}

// CountRunsSince counts a user's runs started at or after the given
// time. Used for monthly quota enforcement; all statuses count, since a
// failed run still consumed runtime resources.
func (s *GORMStore) CountRunsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("user_id = ? AND started_at >= ?", userID, since).
		Count(&count).Error
	return count, err
}

// CountRunsByCapsule counts all runs recorded against a capsule. Used by
// the reconciliation sweeper as ground truth for post run counters.
func (s *GORMStore) CountRunsByCapsule(ctx context.Context, capsuleID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("capsule_id = ?", capsuleID).
		Count(&count).Error
	return count, err
}

// CountRunsByUser counts all runs recorded by a user.
func (s *GORMStore) CountRunsByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count, err
}

// CountRunsByPost counts runs attributed to a post. Reconciliation
// ground truth for the denormalized runs counter on posts.
func (s *GORMStore) CountRunsByPost(ctx context.Context, postID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("post_id = ?", postID).
		Count(&count).Error
	return count, err
}

// ValidateRunOwnership checks that the run belongs to the user and was
// recorded against the expected capsule and post.
func (s *GORMStore) ValidateRunOwnership(ctx context.Context, run *models.Run, userID, capsuleID string, postID *string) error {
	if run.UserID != userID {
		return models.ErrRunOwnerMismatch
	}
	if capsuleID != "" && run.CapsuleID != capsuleID {
		return models.ErrCapsuleMismatch
	}
	if postID != nil {
		if run.PostID == nil || *run.PostID != *postID {
			return models.ErrPostMismatch
		}
	}
	return nil
}
