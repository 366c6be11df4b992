package models

import (
	"fmt"
	"strings"
	"time"
)

// User represents a platform account.
//
// Identity is issued by an external provider; the control plane only stores
// the provider subject as the primary key and verifies bearer tokens against
// the provider's JWKS. Storage accounting uses StorageVersion as an
// optimistic-concurrency token: it increments on every successful accounting
// UPDATE and never moves backwards.
type User struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	Handle      string `gorm:"uniqueIndex;not null;size:64" json:"handle"`
	DisplayName string `gorm:"size:255" json:"displayName,omitempty"`
	Plan        string `gorm:"default:free;size:20" json:"plan"`

	// Storage accounting (see store.ReserveStorage)
	StorageUsageBytes int64 `gorm:"not null;default:0" json:"storageUsageBytes"`
	StorageVersion    int64 `gorm:"not null;default:0" json:"-"`

	// Denormalized counters, reconciled periodically from source tables.
	FollowersCount int64 `gorm:"not null;default:0" json:"followersCount"`
	FollowingCount int64 `gorm:"not null;default:0" json:"followingCount"`
	PostsCount     int64 `gorm:"not null;default:0" json:"postsCount"`
	RunsCount      int64 `gorm:"not null;default:0" json:"runsCount"`
	RemixesCount   int64 `gorm:"not null;default:0" json:"remixesCount"`

	// Moderation flags
	Suspended    bool `gorm:"not null;default:false" json:"-"`
	ShadowBanned bool `gorm:"not null;default:false" json:"-"`
	Moderator    bool `gorm:"not null;default:false" json:"-"`
	Featured     bool `gorm:"not null;default:false" json:"featured,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// GetPlan returns the user's plan, defaulting to free for unknown values.
func (u *User) GetPlan() Plan {
	p := Plan(u.Plan)
	if !p.IsValid() {
		return PlanFree
	}
	return p
}

// NormalizeHandle lowercases a handle for case-insensitive uniqueness.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// Validate checks if the user row is well formed.
func (u *User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if u.Handle == "" {
		return fmt.Errorf("handle is required")
	}
	if u.Plan != "" && !Plan(u.Plan).IsValid() {
		return fmt.Errorf("invalid plan %q", u.Plan)
	}
	if u.StorageUsageBytes < 0 {
		return fmt.Errorf("storage usage cannot be negative")
	}
	return nil
}
