package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/runs"
)

// RunHandler serves the run session lifecycle: start, complete, and
// sandbox log ingestion.
type RunHandler struct {
	manager *runs.Manager
}

// NewRunHandler creates a run handler.
func NewRunHandler(manager *runs.Manager) *RunHandler {
	return &RunHandler{manager: manager}
}

// Start begins a run session. A client-supplied runId makes the call
// idempotent; replays answer 200 instead of 201.
func (h *RunHandler) Start(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var input runs.StartInput
	if !decodeJSONBody(w, r, &input) {
		return
	}
	if input.CapsuleID == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "capsuleId is required")
		return
	}

	result, err := h.manager.Start(r.Context(), user.ID, input)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if result.Created {
		WriteJSONCreated(w, result)
		return
	}
	WriteJSONOK(w, result)
}

// Complete finalizes a run session. Budget violations answer 400 and the
// run is stored as failed with the clamped duration.
func (h *RunHandler) Complete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var input runs.CompleteInput
	if !decodeJSONBody(w, r, &input) {
		return
	}
	if input.RunID == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "runId is required")
		return
	}

	run, err := h.manager.Complete(r.Context(), user.ID, input)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"run": run})
}

type appendLogsRequest struct {
	Entries []models.RunLogEntry `json:"entries"`
}

// Logs ingests sandbox console lines for a run. Oversized batches are
// rejected before touching the store.
func (h *RunHandler) Logs(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var req appendLogsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "entries is required")
		return
	}
	if len(req.Entries) > runs.MaxLogEntries {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "too many log entries")
		return
	}

	accepted, err := h.manager.AppendLogs(r.Context(), user.ID, chi.URLParam(r, "id"), req.Entries)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"accepted": accepted})
}
