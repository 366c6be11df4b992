package store

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// RUNTIME EVENT OPERATIONS
// ============================================

// InsertRuntimeEvents batch inserts runtime events. The event id is the
// idempotency key: rows whose id already exists are skipped via
// ON CONFLICT DO NOTHING, so replaying a batch after a partial failure
// never duplicates events. Returns the number of newly inserted rows.
func (s *GORMStore) InsertRuntimeEvents(ctx context.Context, events []*models.RuntimeEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&events)
	return result.RowsAffected, result.Error
}

// ListRuntimeEvents returns events for a capsule, newest first.
func (s *GORMStore) ListRuntimeEvents(ctx context.Context, capsuleID string, limit int) ([]*models.RuntimeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []*models.RuntimeEvent
	if err := s.db.WithContext(ctx).
		Where("capsule_id = ?", capsuleID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
