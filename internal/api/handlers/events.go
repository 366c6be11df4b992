package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/capsulehub/capsuled/pkg/models"
)

// maxEventBatch bounds one runtime event ingestion request.
const maxEventBatch = 50

// EventAppender is the buffered runtime event surface. Implemented by
// shard.EventShard.
type EventAppender interface {
	Append(ctx context.Context, event *models.RuntimeEvent) error
}

// EventHandler ingests sandbox runtime events.
type EventHandler struct {
	events EventAppender
}

// NewEventHandler creates an event handler.
func NewEventHandler(events EventAppender) *EventHandler {
	return &EventHandler{events: events}
}

type ingestEventsRequest struct {
	Events []models.RuntimeEvent `json:"events"`
}

// Ingest buffers a batch of runtime events for the event shard. Events
// without an id get one, losing replay idempotency for that event only.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestEventsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "events is required")
		return
	}
	if len(req.Events) > maxEventBatch {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "too many events")
		return
	}

	now := time.Now().Unix()
	accepted := 0
	for i := range req.Events {
		event := req.Events[i]
		if event.EventName == "" {
			continue
		}
		if event.ID == "" {
			event.ID = uuid.NewString()
		}
		if event.CreatedAt == 0 {
			event.CreatedAt = now
		}
		if err := h.events.Append(r.Context(), &event); err != nil {
			WriteDomainError(w, r, err)
			return
		}
		accepted++
	}
	WriteJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}
