// Package models defines the control plane data model: users, capsules,
// artifacts, posts, runs, the social graph, and supporting rows. All ids
// are opaque strings; GORM AutoMigrate drives schema creation.
package models

// AllModels returns every model for GORM AutoMigrate, in dependency order.
func AllModels() []any {
	return []any{
		&User{},
		&Capsule{},
		&Asset{},
		&Remix{},
		&Artifact{},
		&ArtifactManifest{},
		&Post{},
		&Run{},
		&Like{},
		&Follow{},
		&Comment{},
		&Notification{},
		&ModerationAudit{},
		&RuntimeEvent{},
		&Recipe{},
		&ProxyRateLimit{},
	}
}
