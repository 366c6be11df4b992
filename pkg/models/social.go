package models

import "time"

// Like is a unique (user, post) edge.
type Like struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"userId"`
	PostID    string    `gorm:"primaryKey;size:36" json:"postId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for Like.
func (Like) TableName() string {
	return "likes"
}

// Follow is a unique (follower, followee) edge. Self-follows are rejected
// at the service layer.
type Follow struct {
	FollowerID string    `gorm:"primaryKey;size:64" json:"followerId"`
	FolloweeID string    `gorm:"primaryKey;size:64" json:"followeeId"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for Follow.
func (Follow) TableName() string {
	return "follows"
}

// Comment is a post comment, optionally threaded via ParentCommentID.
// A parent must belong to the same post as the child.
type Comment struct {
	ID              string  `gorm:"primaryKey;size:36" json:"id"`
	PostID          string  `gorm:"index;not null;size:36" json:"postId"`
	AuthorID        string  `gorm:"index;not null;size:64" json:"authorId"`
	Body            string  `gorm:"type:text;not null" json:"body"`
	AtMs            *int64  `json:"atMs,omitempty"`
	BBox            *string `gorm:"size:500" json:"bbox,omitempty"`
	ParentCommentID *string `gorm:"index;size:36" json:"parentCommentId,omitempty"`
	Quarantined     bool    `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for Comment.
func (Comment) TableName() string {
	return "comments"
}

// NotificationType enumerates notification kinds.
type NotificationType string

const (
	NotificationLike    NotificationType = "like"
	NotificationComment NotificationType = "comment"
	NotificationFollow  NotificationType = "follow"
)

// IsValid checks if the notification type is known.
func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationLike, NotificationComment, NotificationFollow:
		return true
	}
	return false
}

// Notification is a per-recipient event record.
type Notification struct {
	ID        string  `gorm:"primaryKey;size:36" json:"id"`
	UserID    string  `gorm:"index;not null;size:64" json:"userId"`
	Type      string  `gorm:"not null;size:20" json:"type"`
	ActorID   string  `gorm:"not null;size:64" json:"actorId"`
	PostID    *string `gorm:"size:36" json:"postId,omitempty"`
	CommentID *string `gorm:"size:36" json:"commentId,omitempty"`
	Read      bool    `gorm:"not null;default:false;index" json:"read"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
}

// TableName returns the table name for Notification.
func (Notification) TableName() string {
	return "notifications"
}

// ModerationAudit records quarantine transitions for posts and comments.
type ModerationAudit struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	EntityType string    `gorm:"not null;size:20" json:"entityType"` // post, comment, capsule
	EntityID   string    `gorm:"index;not null;size:36" json:"entityId"`
	Action     string    `gorm:"not null;size:20" json:"action"` // quarantine, release
	ActorID    string    `gorm:"not null;size:64" json:"actorId"`
	Reason     string    `gorm:"size:500" json:"reason,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for ModerationAudit.
func (ModerationAudit) TableName() string {
	return "moderation_audits"
}
