package handlers

import (
	"net/http"
	"time"

	"github.com/capsulehub/capsuled/pkg/store"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	store *store.GORMStore
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(st *store.GORMStore) *HealthHandler {
	return &HealthHandler{store: st}
}

// Liveness reports that the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// Readiness reports whether the relational store answers.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	WriteJSONOK(w, map[string]any{"status": "ready"})
}
