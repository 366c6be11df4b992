package handlers

import (
	"net/http"
	"strconv"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
)

// defaultNotificationPageSize bounds one notification listing.
const defaultNotificationPageSize = 50

// NotificationHandler serves the signed-in user's notification inbox.
type NotificationHandler struct {
	store *store.GORMStore
}

// NewNotificationHandler creates a notification handler.
func NewNotificationHandler(st *store.GORMStore) *NotificationHandler {
	return &NotificationHandler{store: st}
}

// List returns the user's notifications, newest first. The unread query
// flag restricts to unread ones.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := defaultNotificationPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	notifications, err := h.store.ListNotifications(r.Context(), user.ID, unreadOnly, limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}
	WriteJSONOK(w, map[string]any{"notifications": notifications})
}

// Summary returns the unread count.
func (h *NotificationHandler) Summary(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	unread, err := h.store.CountUnreadNotifications(r.Context(), user.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]int64{"unread": unread})
}

type markReadRequest struct {
	IDs []string `json:"ids,omitempty"`
	All bool     `json:"all,omitempty"`
}

// MarkRead marks the listed notifications read, or all of them when the
// all flag is set.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var req markReadRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !req.All && len(req.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "ids or all is required")
		return
	}

	if req.All {
		marked, err := h.store.MarkAllNotificationsRead(r.Context(), user.ID)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		WriteJSONOK(w, map[string]int64{"marked": marked})
		return
	}

	var marked int64
	for _, id := range req.IDs {
		if err := h.store.MarkNotificationRead(r.Context(), user.ID, id); err != nil {
			WriteDomainError(w, r, err)
			return
		}
		marked++
	}
	WriteJSONOK(w, map[string]int64{"marked": marked})
}
