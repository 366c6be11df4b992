package models

import "time"

// Capsule is a content-addressed bundle of static assets plus a manifest
// describing how it runs.
//
// Capsules are immutable once created except for moderation flags and
// owner manifest edits (which never change ContentHash). Two capsules may
// share a ContentHash when the same bundle is imported twice; blob keys
// under capsules/{hash}/ are shared and must only be deleted when no other
// capsule row references the hash.
type Capsule struct {
	ID           string `gorm:"primaryKey;size:36" json:"id"`
	OwnerID      string `gorm:"index;not null;size:64" json:"ownerId"`
	Title        string `gorm:"size:255" json:"title,omitempty"`
	ManifestJSON string `gorm:"type:text;not null" json:"-"`
	ContentHash  string `gorm:"index;not null;size:64" json:"contentHash"`
	Quarantined  bool   `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName returns the table name for Capsule.
func (Capsule) TableName() string {
	return "capsules"
}

// Asset is a single file within a capsule bundle. Key is the path inside
// the bundle, relative to the bundle root.
type Asset struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	CapsuleID string `gorm:"index;not null;size:36" json:"capsuleId"`
	Key       string `gorm:"not null;size:512" json:"key"`
	Size      int64  `gorm:"not null" json:"size"`
}

// TableName returns the table name for Asset.
func (Asset) TableName() string {
	return "assets"
}

// Remix is a directed edge from a child capsule to the parent it was
// remixed from. Ancestry is expected to be acyclic; traversals must still
// carry a visited set because a cycle is a data bug, not an impossibility.
type Remix struct {
	ChildCapsuleID  string    `gorm:"primaryKey;size:36" json:"childCapsuleId"`
	ParentCapsuleID string    `gorm:"primaryKey;size:36" json:"parentCapsuleId"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for Remix.
func (Remix) TableName() string {
	return "remixes"
}
