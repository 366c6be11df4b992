package models

import "errors"

// Common domain errors for the control plane. Handlers map these to the
// HTTP error envelope; background workers log and continue.
var (
	// User errors
	ErrUserNotFound    = errors.New("user not found")
	ErrDuplicateHandle = errors.New("handle already taken")
	ErrUserSuspended   = errors.New("user account is suspended")

	// Capsule / bundle errors
	ErrCapsuleNotFound  = errors.New("capsule not found")
	ErrBundleTooLarge   = errors.New("bundle exceeds plan size limit")
	ErrQuotaExceeded    = errors.New("plan quota exceeded")
	ErrConcurrentUpload = errors.New("concurrent upload conflict")

	// Artifact errors
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrManifestNotFound = errors.New("artifact manifest not found")

	// Post / social errors
	ErrPostNotFound         = errors.New("post not found")
	ErrCommentNotFound      = errors.New("comment not found")
	ErrParentNotFound       = errors.New("parent comment not found")
	ErrParentMismatch       = errors.New("parent comment belongs to another post")
	ErrSelfFollow           = errors.New("cannot follow yourself")
	ErrNotificationNotFound = errors.New("notification not found")

	// Run errors
	ErrRunNotFound       = errors.New("run not found")
	ErrRunOwnerMismatch  = errors.New("run belongs to another user")
	ErrCapsuleMismatch   = errors.New("run capsule mismatch")
	ErrPostMismatch      = errors.New("run post mismatch")
	ErrActiveRunLimit    = errors.New("active run limit reached")
	ErrRunBudgetExceeded = errors.New("runtime budget exceeded")

	// Recipe errors
	ErrRecipeNotFound  = errors.New("recipe not found")
	ErrRecipeCap       = errors.New("recipe limit reached for capsule")
	ErrRecipeNoParams  = errors.New("no recipe parameter matches the capsule manifest")
	ErrRecipeForbidden = errors.New("recipe mutation not allowed")

	// Remix errors
	ErrRemixCycle = errors.New("remix ancestry contains a cycle")

	// Generic
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
)
