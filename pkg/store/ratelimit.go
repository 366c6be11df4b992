package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// PROXY RATE LIMIT FALLBACK
// ============================================
//
// The egress proxy normally consults the in-process rate-limit shard.
// When the shard registry is disabled (single-request tooling, tests)
// the proxy falls back to these rows, which implement the same fixed
// window in SQL.

// TakeProxyToken consumes one token from the fixed window identified by
// key. A window that has lapsed is reset to start at nowMs and run until
// resetAtMs. Returns the count after consumption and the active window
// boundary; the caller compares count against its limit.
func (s *GORMStore) TakeProxyToken(ctx context.Context, key string, nowMs, resetAtMs int64) (count int64, windowResetMs int64, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &models.ProxyRateLimit{Key: key, Count: 0, ResetAtMs: resetAtMs}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
			return err
		}

		var current models.ProxyRateLimit
		if err := tx.Where("key = ?", key).First(&current).Error; err != nil {
			return err
		}

		if current.ResetAtMs <= nowMs {
			// Window lapsed; start a fresh one with this request in it.
			if err := tx.Model(&models.ProxyRateLimit{}).
				Where("key = ?", key).
				Updates(map[string]any{"count": 1, "reset_at_ms": resetAtMs}).Error; err != nil {
				return err
			}
			count = 1
			windowResetMs = resetAtMs
			return nil
		}

		if err := tx.Model(&models.ProxyRateLimit{}).
			Where("key = ?", key).
			Update("count", gorm.Expr("count + 1")).Error; err != nil {
			return err
		}
		count = current.Count + 1
		windowResetMs = current.ResetAtMs
		return nil
	})
	return count, windowResetMs, err
}

// PruneProxyWindows deletes lapsed rate-limit windows. Called
// opportunistically by the reconciliation sweeper.
func (s *GORMStore) PruneProxyWindows(ctx context.Context, nowMs int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("reset_at_ms <= ?", nowMs).
		Delete(&models.ProxyRateLimit{})
	return result.RowsAffected, result.Error
}
