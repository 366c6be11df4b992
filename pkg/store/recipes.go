package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/capsulehub/capsuled/pkg/models"
)

// ============================================
// RECIPE OPERATIONS
// ============================================

func (s *GORMStore) GetRecipe(ctx context.Context, id string) (*models.Recipe, error) {
	return getByField[models.Recipe](s.db, ctx, "id", id, models.ErrRecipeNotFound)
}

// CreateRecipe inserts a recipe, enforcing the per-capsule cap inside a
// transaction so two racing saves cannot overshoot it.
func (s *GORMStore) CreateRecipe(ctx context.Context, recipe *models.Recipe) (string, error) {
	recipe.CreatedAt = time.Now()
	var id string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Recipe{}).
			Where("capsule_id = ?", recipe.CapsuleID).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= models.MaxRecipesPerCapsule {
			return models.ErrRecipeCap
		}

		var err error
		id, err = createWithID(tx, ctx, recipe,
			func(r *models.Recipe, id string) { r.ID = id },
			recipe.ID, models.ErrConflict)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRecipe overwrites a recipe's name and parameter map.
func (s *GORMStore) UpdateRecipe(ctx context.Context, recipe *models.Recipe) error {
	result := s.db.WithContext(ctx).
		Model(&models.Recipe{}).
		Where("id = ?", recipe.ID).
		Updates(map[string]any{
			"name":   recipe.Name,
			"params": recipe.ParamsJSON,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrRecipeNotFound
	}
	return nil
}

// DeleteRecipe removes a recipe by id.
func (s *GORMStore) DeleteRecipe(ctx context.Context, id string) error {
	return deleteByField[models.Recipe](s.db, ctx, "id", id, models.ErrRecipeNotFound)
}

// ListRecipes returns a capsule's recipes, newest first.
func (s *GORMStore) ListRecipes(ctx context.Context, capsuleID string) ([]*models.Recipe, error) {
	var recipes []*models.Recipe
	if err := s.db.WithContext(ctx).
		Where("capsule_id = ?", capsuleID).
		Order("created_at DESC").
		Find(&recipes).Error; err != nil {
		return nil, err
	}
	return recipes, nil
}

// CountRecipesByAuthor counts the recipes a user has saved across all
// capsules. Used for plan limit enforcement.
func (s *GORMStore) CountRecipesByAuthor(ctx context.Context, authorID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Recipe{}).
		Where("author_id = ?", authorID).
		Count(&count).Error
	return count, err
}
