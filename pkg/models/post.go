package models

import (
	"encoding/json"
	"time"
)

// PostType distinguishes feed entry kinds.
type PostType string

const (
	PostTypeApp     PostType = "app"
	PostTypeThought PostType = "thought"
)

// IsValid checks if the post type is known.
func (t PostType) IsValid() bool {
	return t == PostTypeApp || t == PostTypeThought
}

// Visibility controls who can see a post.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// IsValid checks if the visibility is known.
func (v Visibility) IsValid() bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return true
	}
	return false
}

// Post is a feed entry, optionally backed by a runnable capsule.
//
// Counter columns are denormalized and eventually consistent: the counter
// shard batches deltas and the reconciliation sweep recomputes them from
// source tables. Feed surfaces only show public, non-quarantined posts by
// authors who are neither suspended nor shadow-banned.
type Post struct {
	ID          string  `gorm:"primaryKey;size:36" json:"id"`
	AuthorID    string  `gorm:"index;not null;size:64" json:"authorId"`
	Type        string  `gorm:"not null;default:app;size:20" json:"type"`
	CapsuleID   *string `gorm:"index;size:36" json:"capsuleId,omitempty"`
	Title       string  `gorm:"size:255" json:"title"`
	Description string  `gorm:"type:text" json:"description,omitempty"`
	TagsJSON    string  `gorm:"column:tags;type:text;default:'[]'" json:"-"`
	Visibility  string  `gorm:"not null;default:public;size:20" json:"visibility"`
	Quarantined bool    `gorm:"not null;default:false" json:"-"`

	LikesCount    int64 `gorm:"not null;default:0" json:"likesCount"`
	CommentsCount int64 `gorm:"not null;default:0" json:"commentsCount"`
	RunsCount     int64 `gorm:"not null;default:0" json:"runsCount"`
	RemixesCount  int64 `gorm:"not null;default:0" json:"remixesCount"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName returns the table name for Post.
func (Post) TableName() string {
	return "posts"
}

// Tags decodes the JSON tag array. A malformed column yields an empty slice
// rather than an error; tags are advisory data.
func (p *Post) Tags() []string {
	var tags []string
	if err := json.Unmarshal([]byte(p.TagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

// SetTags encodes the tag array into the JSON column.
func (p *Post) SetTags(tags []string) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		p.TagsJSON = "[]"
		return
	}
	p.TagsJSON = string(b)
}
