package store

import (
	"context"
	"time"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// NOTIFICATION OPERATIONS
// ============================================

// CreateNotification inserts a notification. Self-notifications (actor is
// the recipient) are silently dropped.
func (s *GORMStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.UserID == n.ActorID {
		return nil
	}
	n.CreatedAt = time.Now()
	_, err := createWithID(s.db, ctx, n,
		func(n *models.Notification, id string) { n.ID = id },
		n.ID, models.ErrConflict)
	return err
}

// ListNotifications returns a user's notifications, newest first. When
// unreadOnly is set only unread ones are returned.
func (s *GORMStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	var notifications []*models.Notification
	if err := q.Order("created_at DESC").Limit(limit).Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

// MarkNotificationRead marks one notification read. Ownership is checked
// so a user cannot mark another user's notification.
func (s *GORMStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Update("read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrNotificationNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification for the user.
// Returns the number of rows updated.
func (s *GORMStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true)
	return result.RowsAffected, result.Error
}

// CountUnreadNotifications returns the unread badge count.
func (s *GORMStore) CountUnreadNotifications(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error
	return count, err
}
