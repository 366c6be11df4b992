package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
)

// Moderation audit entity types and actions.
const (
	entityPost    = "post"
	entityCapsule = "capsule"
	entityComment = "comment"
	entityUser    = "user"

	actionQuarantine = "quarantine"
	actionRelease    = "release"
	actionFlags      = "flags"
)

// ModerationHandler serves the moderator-only quarantine and account
// flag endpoints. Every mutation lands in the audit log.
type ModerationHandler struct {
	store *store.GORMStore
}

// NewModerationHandler creates a moderation handler.
func NewModerationHandler(st *store.GORMStore) *ModerationHandler {
	return &ModerationHandler{store: st}
}

type moderationRequest struct {
	Reason string `json:"reason,omitempty"`
}

// reason decodes the optional request body. An empty body is fine.
func (h *ModerationHandler) reason(r *http.Request) string {
	var req moderationRequest
	_ = decodeBestEffort(r, &req)
	return req.Reason
}

func (h *ModerationHandler) audit(r *http.Request, entityType, entityID, action, reason string) {
	user := middleware.UserFrom(r.Context())
	err := h.store.AppendModerationAudit(r.Context(), &models.ModerationAudit{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    user.ID,
		Reason:     reason,
	})
	if err != nil {
		logger.WarnCtx(r.Context(), "moderation audit append failed",
			"entity_type", entityType, "entity_id", entityID, logger.KeyError, err.Error())
	}
}

// QuarantinePost hides a post from all public surfaces.
func (h *ModerationHandler) QuarantinePost(w http.ResponseWriter, r *http.Request) {
	h.setPostQuarantine(w, r, true)
}

// ReleasePost lifts a post quarantine.
func (h *ModerationHandler) ReleasePost(w http.ResponseWriter, r *http.Request) {
	h.setPostQuarantine(w, r, false)
}

func (h *ModerationHandler) setPostQuarantine(w http.ResponseWriter, r *http.Request, quarantined bool) {
	id := chi.URLParam(r, "id")
	if err := h.store.SetPostQuarantined(r.Context(), id, quarantined); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	action := actionQuarantine
	if !quarantined {
		action = actionRelease
	}
	h.audit(r, entityPost, id, action, h.reason(r))
	WriteNoContent(w)
}

// QuarantineCapsule hides a capsule and quarantines its compiled
// artifact, stopping both raw bundle and artifact playback.
func (h *ModerationHandler) QuarantineCapsule(w http.ResponseWriter, r *http.Request) {
	h.setCapsuleQuarantine(w, r, true)
}

// ReleaseCapsule lifts a capsule quarantine. The artifact stays
// quarantined until a recompile promotes it again.
func (h *ModerationHandler) ReleaseCapsule(w http.ResponseWriter, r *http.Request) {
	h.setCapsuleQuarantine(w, r, false)
}

func (h *ModerationHandler) setCapsuleQuarantine(w http.ResponseWriter, r *http.Request, quarantined bool) {
	id := chi.URLParam(r, "id")
	if err := h.store.SetCapsuleQuarantined(r.Context(), id, quarantined); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if quarantined {
		artifact, err := h.store.GetArtifactByCapsule(r.Context(), id)
		if err == nil {
			if err := h.store.SetArtifactStatus(r.Context(), artifact.ID, models.ArtifactQuarantined); err != nil {
				logger.WarnCtx(r.Context(), "artifact quarantine failed",
					logger.KeyArtifactID, artifact.ID, logger.KeyError, err.Error())
			}
		} else if !errors.Is(err, models.ErrArtifactNotFound) {
			WriteDomainError(w, r, err)
			return
		}
	}
	action := actionQuarantine
	if !quarantined {
		action = actionRelease
	}
	h.audit(r, entityCapsule, id, action, h.reason(r))
	WriteNoContent(w)
}

// QuarantineComment hides a single comment.
func (h *ModerationHandler) QuarantineComment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetComment(r.Context(), id); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if err := h.store.DB().WithContext(r.Context()).
		Model(&models.Comment{}).
		Where("id = ?", id).
		Update("quarantined", true).Error; err != nil {
		WriteDomainError(w, r, err)
		return
	}
	h.audit(r, entityComment, id, actionQuarantine, h.reason(r))
	WriteNoContent(w)
}

type userFlagsRequest struct {
	Suspended    bool   `json:"suspended"`
	ShadowBanned bool   `json:"shadowBanned"`
	Reason       string `json:"reason,omitempty"`
}

// SetUserFlags sets an account's suspension and shadow-ban flags.
func (h *ModerationHandler) SetUserFlags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req userFlagsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.store.SetModerationFlags(r.Context(), id, req.Suspended, req.ShadowBanned); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	h.audit(r, entityUser, id, actionFlags, req.Reason)
	WriteNoContent(w)
}

// ListAudits returns the audit trail for one entity.
func (h *ModerationHandler) ListAudits(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entityType")
	entityID := r.URL.Query().Get("entityId")
	if entityType == "" || entityID == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "entityType and entityId are required")
		return
	}

	audits, err := h.store.ListModerationAudits(r.Context(), entityType, entityID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if audits == nil {
		audits = []*models.ModerationAudit{}
	}
	WriteJSONOK(w, map[string]any{"audits": audits})
}
