package models

// RuntimeEvent is a sandbox runtime event (e.g. runtime_killed,
// runtime_policy_violation). ID is a caller-supplied idempotency key;
// inserts use ON CONFLICT DO NOTHING so at-least-once delivery from the
// event shard is safe.
type RuntimeEvent struct {
	ID             string `gorm:"primaryKey;size:64" json:"id"`
	EventName      string `gorm:"index;not null;size:64" json:"eventName"`
	CapsuleID      string `gorm:"index;size:36" json:"capsuleId,omitempty"`
	ArtifactID     string `gorm:"size:36" json:"artifactId,omitempty"`
	RuntimeType    string `gorm:"size:20" json:"runtimeType,omitempty"`
	RuntimeVersion string `gorm:"size:20" json:"runtimeVersion,omitempty"`
	Code           string `gorm:"size:64" json:"code,omitempty"`
	Message        string `gorm:"size:500" json:"message,omitempty"`
	PropertiesJSON string `gorm:"column:properties;type:text;default:'{}'" json:"-"`

	// CreatedAt is seconds since epoch (event arrival, not persist time).
	CreatedAt int64 `gorm:"not null" json:"createdAt"`
}

// TableName returns the table name for RuntimeEvent.
func (RuntimeEvent) TableName() string {
	return "runtime_events"
}

// RunLogEntry is an accepted, sanitized sandbox console log line.
// Log lines are pure telemetry: they may arrive before the run row exists
// and are never joined against it.
type RunLogEntry struct {
	Level   string `json:"level"`  // log, info, warn, error
	Message string `json:"message"`
	Source  string `json:"source"` // preview, player
}
