package models

import "time"

// RuntimeType is the compiled form of a capsule.
type RuntimeType string

const (
	RuntimeHTML     RuntimeType = "html"
	RuntimeReactJSX RuntimeType = "react-jsx"
)

// IsValid checks if the runtime type is supported.
func (t RuntimeType) IsValid() bool {
	return t == RuntimeHTML || t == RuntimeReactJSX
}

// ArtifactStatus is the lifecycle state of an artifact.
type ArtifactStatus string

const (
	ArtifactDraft       ArtifactStatus = "draft"
	ArtifactActive      ArtifactStatus = "active"
	ArtifactQuarantined ArtifactStatus = "quarantined"
	ArtifactRemoved     ArtifactStatus = "removed"
)

// Artifact is a compiled, runnable form of a capsule, keyed separately from
// the capsule and versioned through ArtifactManifest rows.
type Artifact struct {
	ID             string  `gorm:"primaryKey;size:36" json:"id"`
	OwnerID        string  `gorm:"index;not null;size:64" json:"ownerId"`
	CapsuleID      string  `gorm:"index;not null;size:36" json:"capsuleId"`
	Type           string  `gorm:"size:20" json:"type"`
	RuntimeVersion string  `gorm:"size:20" json:"runtimeVersion"`
	BundleDigest   string  `gorm:"size:64" json:"bundleDigest,omitempty"`
	Status         string  `gorm:"not null;default:draft;size:20" json:"status"`
	Visibility     string  `gorm:"not null;default:public;size:20" json:"visibility"`
	PolicyStatus   string  `gorm:"not null;default:unreviewed;size:20" json:"policyStatus"`
	SafetyTier     string  `gorm:"not null;default:standard;size:20" json:"safetyTier"`
	RiskScore      float64 `gorm:"not null;default:0" json:"riskScore"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName returns the table name for Artifact.
func (Artifact) TableName() string {
	return "artifacts"
}

// ArtifactManifest is one versioned runtime manifest of an artifact.
// Versions are dense and strictly increasing per artifact, starting at 1;
// the single-writer compile coordinator is the only producer.
type ArtifactManifest struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ArtifactID     string    `gorm:"uniqueIndex:idx_artifact_version;not null;size:36" json:"artifactId"`
	Version        int       `gorm:"uniqueIndex:idx_artifact_version;not null" json:"version"`
	ManifestJSON   string    `gorm:"type:text;not null" json:"-"`
	SizeBytes      int64     `gorm:"not null" json:"sizeBytes"`
	RuntimeVersion string    `gorm:"size:20" json:"runtimeVersion"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for ArtifactManifest.
func (ArtifactManifest) TableName() string {
	return "artifact_manifests"
}
