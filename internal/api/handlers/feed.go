package handlers

import (
	"net/http"
	"strconv"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/pkg/feed"
)

// FeedHandler serves the post feed.
type FeedHandler struct {
	svc *feed.Service
}

// NewFeedHandler creates a feed handler.
func NewFeedHandler(svc *feed.Service) *FeedHandler {
	return &FeedHandler{svc: svc}
}

// List builds one feed page from the query parameters. Anonymous
// readers get the public view; signed-in readers additionally get their
// like/follow context and may use the following and foryou modes.
func (h *FeedHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := feed.Request{
		Mode:     feed.Mode(q.Get("mode")),
		Tag:      q.Get("tags"),
		Query:    q.Get("q"),
		AuthorID: q.Get("userId"),
	}
	if user := middleware.UserFrom(r.Context()); user != nil {
		req.ViewerID = user.ID
	}

	var err error
	if raw := q.Get("limit"); raw != "" {
		if req.Limit, err = strconv.Atoi(raw); err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "limit must be an integer")
			return
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if req.Offset, err = strconv.Atoi(raw); err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "offset must be an integer")
			return
		}
	}

	page, err := h.svc.Build(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONOK(w, page)
}
