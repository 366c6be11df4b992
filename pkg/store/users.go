package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// USER OPERATIONS
// ============================================

func (s *GORMStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "id", id, models.ErrUserNotFound)
}

func (s *GORMStore) GetUserByHandle(ctx context.Context, handle string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "handle", models.NormalizeHandle(handle), models.ErrUserNotFound)
}

// EnsureUser creates a user row on first sight of a token subject.
// Existing rows are returned unchanged; a handle collision on bootstrap
// surfaces as ErrDuplicateHandle.
func (s *GORMStore) EnsureUser(ctx context.Context, user *models.User) (*models.User, error) {
	existing, err := s.GetUser(ctx, user.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrUserNotFound) {
		return nil, err
	}

	user.Handle = models.NormalizeHandle(user.Handle)
	if user.Plan == "" {
		user.Plan = string(models.PlanFree)
	}
	user.CreatedAt = time.Now()

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			// Either the row won a concurrent bootstrap race or the
			// handle is taken. Re-read to tell the two apart.
			if again, readErr := s.GetUser(ctx, user.ID); readErr == nil {
				return again, nil
			}
			return nil, models.ErrDuplicateHandle
		}
		return nil, err
	}
	return user, nil
}

func (s *GORMStore) UpdateUserProfile(ctx context.Context, user *models.User) error {
	var existing models.User
	if err := s.db.WithContext(ctx).Where("id = ?", user.ID).First(&existing).Error; err != nil {
		return convertNotFoundError(err, models.ErrUserNotFound)
	}

	err := s.db.WithContext(ctx).
		Model(&existing).
		Select("Handle", "DisplayName", "Plan").
		Updates(user).Error
	if isUniqueConstraintError(err) {
		return models.ErrDuplicateHandle
	}
	return err
}

// SetModerationFlags updates the moderation switches on a user row.
func (s *GORMStore) SetModerationFlags(ctx context.Context, userID string, suspended, shadowBanned bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"suspended":     suspended,
			"shadow_banned": shadowBanned,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// ============================================
// STORAGE ACCOUNTING
// ============================================

// storageReserveRetries bounds optimistic retries when two uploads race
// on the same owner row.
const storageReserveRetries = 2

// ReserveStorage atomically charges delta bytes against the user's
// storage budget. The update is guarded by the row's storage version, so
// a concurrent reservation forces a re-read and retry. Returns
// ErrQuotaExceeded when the reservation would pass maxBytes, and
// ErrConcurrentUpload when retries are exhausted.
func (s *GORMStore) ReserveStorage(ctx context.Context, userID string, delta, maxBytes int64) error {
	for attempt := 0; attempt <= storageReserveRetries; attempt++ {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		if user.StorageUsageBytes+delta > maxBytes {
			return models.ErrQuotaExceeded
		}

		result := s.db.WithContext(ctx).
			Model(&models.User{}).
			Where("id = ? AND storage_version = ?", userID, user.StorageVersion).
			Updates(map[string]any{
				"storage_usage_bytes": gorm.Expr("storage_usage_bytes + ?", delta),
				"storage_version":     gorm.Expr("storage_version + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		// Version moved under us; re-read and retry.
	}
	return models.ErrConcurrentUpload
}

// ReleaseStorage refunds delta bytes, clamping at zero. Used by the
// publish compensation path and capsule deletes. Never fails on a
// concurrent writer; the refund applies on top of whatever usage the
// row has now.
func (s *GORMStore) ReleaseStorage(ctx context.Context, userID string, delta int64) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"storage_usage_bytes": gorm.Expr(
				"CASE WHEN storage_usage_bytes - ? < 0 THEN 0 ELSE storage_usage_bytes - ? END",
				delta, delta,
			),
			"storage_version": gorm.Expr("storage_version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// OverwriteStorageUsage sets the usage to an absolute value, guarded by
// the storage version read at drift-computation time. Used by the
// reconciliation sweeper; a lost race means an upload landed mid-sweep
// and the sweeper simply skips the row.
func (s *GORMStore) OverwriteStorageUsage(ctx context.Context, userID string, usage int64, expectedVersion int64) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND storage_version = ?", userID, expectedVersion).
		Updates(map[string]any{
			"storage_usage_bytes": usage,
			"storage_version":     gorm.Expr("storage_version + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListUserIDs returns all user ids in stable order. Used by the
// reconciliation sweeper.
func (s *GORMStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ============================================
// DENORMALIZED COUNTERS
// ============================================

// userCounterColumns is the set of counter columns the flush path may
// touch. Deltas against unknown columns are rejected before SQL runs.
var userCounterColumns = map[string]bool{
	"followers_count": true,
	"following_count": true,
	"posts_count":     true,
	"runs_count":      true,
	"remixes_count":   true,
}

// ApplyUserCounterDelta adds delta to a counter column, clamping the
// result at zero. Missing rows are ignored: the counter owner may have
// been deleted between enqueue and flush.
func (s *GORMStore) ApplyUserCounterDelta(ctx context.Context, userID, column string, delta int64) error {
	if !userCounterColumns[column] {
		return errors.New("unknown user counter column: " + column)
	}
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update(column, gorm.Expr(
			"CASE WHEN "+column+" + ? < 0 THEN 0 ELSE "+column+" + ? END",
			delta, delta,
		)).Error
}

// OverwriteUserCounters sets the denormalized counters to absolute
// values, guarded by the current value of each column. A counter flush
// landing between the sweeper's read and this write changes a guarded
// column, the UPDATE matches nothing, and the sweeper retries next
// sweep instead of clobbering the flush. Returns whether the write
// applied. Used by the reconciliation sweeper.
func (s *GORMStore) OverwriteUserCounters(ctx context.Context, userID string, counters, current map[string]int64) (bool, error) {
	updates := make(map[string]any, len(counters))
	for column, value := range counters {
		if !userCounterColumns[column] {
			return false, errors.New("unknown user counter column: " + column)
		}
		updates[column] = value
	}
	if len(updates) == 0 {
		return true, nil
	}

	q := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID)
	for column, value := range current {
		if !userCounterColumns[column] {
			return false, errors.New("unknown user counter column: " + column)
		}
		q = q.Where(column+" = ?", value)
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetUsers returns the users with the given ids, keyed by id. Missing
// ids are absent from the map. Used for feed enrichment.
func (s *GORMStore) GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error) {
	if len(ids) == 0 {
		return map[string]*models.User{}, nil
	}
	var users []*models.User
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&users).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*models.User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}
