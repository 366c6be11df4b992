package models

import "time"

// RunStatus is the lifecycle state of a run session.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunKilled    RunStatus = "killed"
)

// IsValid checks if the run status is known.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStarted, RunCompleted, RunFailed, RunKilled:
		return true
	}
	return false
}

// ParseRunStatus parses a run status string.
func ParseRunStatus(s string) (RunStatus, bool) {
	st := RunStatus(s)
	return st, st.IsValid()
}

// Run is one sandbox execution session of a capsule.
//
// The (CapsuleID, PostID) pair is fixed at insert time; a completion that
// disagrees marks the run failed instead of rebinding it. RunID doubles as
// an idempotency token for startRun retries.
type Run struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	CapsuleID    string     `gorm:"index;not null;size:36" json:"capsuleId"`
	PostID       *string    `gorm:"index;size:36" json:"postId,omitempty"`
	UserID       string     `gorm:"index;not null;size:64" json:"userId"`
	Status       string     `gorm:"not null;default:started;size:20" json:"status"`
	StartedAt    time.Time  `gorm:"index;not null" json:"startedAt"`
	DurationMs   *int64     `json:"durationMs,omitempty"`
	ErrorMessage *string    `gorm:"size:500" json:"errorMessage,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// TableName returns the table name for Run.
func (Run) TableName() string {
	return "runs"
}
