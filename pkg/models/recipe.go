package models

import (
	"encoding/json"
	"time"
)

// MaxRecipesPerCapsule caps the number of recipes a capsule can carry.
const MaxRecipesPerCapsule = 100

// Recipe is a named, validated preset of capsule parameters.
// Params only ever contain names declared by the capsule manifest; values
// are normalized and clamped at create/update time.
type Recipe struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	CapsuleID  string `gorm:"index;not null;size:36" json:"capsuleId"`
	AuthorID   string `gorm:"index;not null;size:64" json:"authorId"`
	Name       string `gorm:"not null;size:80" json:"name"`
	ParamsJSON string `gorm:"column:params;type:text;default:'{}'" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for Recipe.
func (Recipe) TableName() string {
	return "recipes"
}

// Params decodes the stored parameter map.
func (r *Recipe) Params() map[string]any {
	params := map[string]any{}
	_ = json.Unmarshal([]byte(r.ParamsJSON), &params)
	return params
}

// SetParams encodes the parameter map into the JSON column.
func (r *Recipe) SetParams(params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	r.ParamsJSON = string(b)
	return nil
}
