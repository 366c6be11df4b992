package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/shard"
	"github.com/capsulehub/capsuled/pkg/store"
)

// Counters is the async counter surface. Implemented by
// shard.CounterShard; nil disables counter bumps.
type Counters interface {
	Add(ctx context.Context, d shard.CounterDelta) error
}

// defaultCommentPageSize bounds one comment listing.
const defaultCommentPageSize = 100

// Comment field bounds.
const (
	maxCommentBody = 2000
	maxCommentBBox = 500
)

// PostHandler serves posts, likes, follows, and comments.
type PostHandler struct {
	store    *store.GORMStore
	counters Counters
}

// NewPostHandler creates a post handler.
func NewPostHandler(st *store.GORMStore, counters Counters) *PostHandler {
	return &PostHandler{store: st, counters: counters}
}

// bump queues a counter delta. Counter loss is tolerated; the
// reconciliation sweep recomputes from source tables.
func (h *PostHandler) bump(ctx context.Context, entity shard.CounterEntity, id, column string, delta int64) {
	if h.counters == nil {
		return
	}
	if err := h.counters.Add(ctx, shard.CounterDelta{Entity: entity, ID: id, Column: column, Delta: delta}); err != nil {
		logger.WarnCtx(ctx, "counter delta dropped",
			"entity", string(entity), "column", column, logger.KeyError, err.Error())
	}
}

// notify records a notification. Failures are logged and swallowed; a
// missed notification never fails the action that caused it.
func (h *PostHandler) notify(ctx context.Context, n *models.Notification) {
	n.ID = uuid.NewString()
	if err := h.store.CreateNotification(ctx, n); err != nil {
		logger.WarnCtx(ctx, "notification dropped",
			logger.KeyUserID, n.UserID, logger.KeyError, err.Error())
	}
}

type createPostRequest struct {
	Type        string   `json:"type,omitempty"`
	CapsuleID   *string  `json:"capsuleId,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Visibility  string   `json:"visibility,omitempty"`
}

// Create publishes a post, optionally backed by a capsule the author
// owns.
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var req createPostRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "title is required")
		return
	}
	if req.Type == "" {
		req.Type = string(models.PostTypeApp)
	}
	if !models.PostType(req.Type).IsValid() {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "unknown post type")
		return
	}
	if req.Visibility == "" {
		req.Visibility = string(models.VisibilityPublic)
	}
	if !models.Visibility(req.Visibility).IsValid() {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "unknown visibility")
		return
	}

	if req.CapsuleID != nil {
		capsule, err := h.store.GetCapsule(r.Context(), *req.CapsuleID)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		if capsule.OwnerID != user.ID {
			WriteDomainError(w, r, models.ErrForbidden)
			return
		}
	}

	post := &models.Post{
		ID:          uuid.NewString(),
		AuthorID:    user.ID,
		Type:        req.Type,
		CapsuleID:   req.CapsuleID,
		Title:       req.Title,
		Description: req.Description,
		Visibility:  req.Visibility,
	}
	post.SetTags(req.Tags)

	if _, err := h.store.CreatePost(r.Context(), post); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	h.bump(r.Context(), shard.EntityUser, user.ID, "posts_count", 1)
	WriteJSONCreated(w, post)
}

// visiblePost loads a post and hides quarantined or private ones from
// everyone but the author and moderators.
func (h *PostHandler) visiblePost(r *http.Request, id string) (*models.Post, error) {
	post, err := h.store.GetPost(r.Context(), id)
	if err != nil {
		return nil, err
	}
	restricted := post.Quarantined || post.Visibility == string(models.VisibilityPrivate)
	if restricted {
		user := middleware.UserFrom(r.Context())
		if user == nil || (user.ID != post.AuthorID && !user.Moderator) {
			return nil, models.ErrPostNotFound
		}
	}
	return post, nil
}

// Get returns a single post.
func (h *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	post, err := h.visiblePost(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONOK(w, post)
}

// Delete removes a post. Author or moderator only.
func (h *PostHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	post, err := h.store.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if post.AuthorID != user.ID && !user.Moderator {
		WriteDomainError(w, r, models.ErrForbidden)
		return
	}

	if err := h.store.DeletePost(r.Context(), post.ID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	h.bump(r.Context(), shard.EntityUser, post.AuthorID, "posts_count", -1)
	WriteNoContent(w)
}

// Like records a like. Re-liking is a no-op that still answers 200.
func (h *PostHandler) Like(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	post, err := h.visiblePost(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	created, err := h.store.CreateLike(r.Context(), user.ID, post.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if created {
		h.bump(r.Context(), shard.EntityPost, post.ID, "likes_count", 1)
		if user.ID != post.AuthorID {
			h.notify(r.Context(), &models.Notification{
				UserID:  post.AuthorID,
				Type:    string(models.NotificationLike),
				ActorID: user.ID,
				PostID:  &post.ID,
			})
		}
	}
	WriteJSONOK(w, map[string]bool{"liked": true})
}

// Unlike removes a like. Unliking something never liked answers 200.
func (h *PostHandler) Unlike(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	post, err := h.visiblePost(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	deleted, err := h.store.DeleteLike(r.Context(), user.ID, post.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if deleted {
		h.bump(r.Context(), shard.EntityPost, post.ID, "likes_count", -1)
	}
	WriteJSONOK(w, map[string]bool{"liked": false})
}

// Follow records a follow edge toward the target user.
func (h *PostHandler) Follow(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	targetID := chi.URLParam(r, "id")

	if _, err := h.store.GetUser(r.Context(), targetID); err != nil {
		WriteDomainError(w, r, err)
		return
	}

	created, err := h.store.CreateFollow(r.Context(), user.ID, targetID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if created {
		h.bump(r.Context(), shard.EntityUser, targetID, "followers_count", 1)
		h.bump(r.Context(), shard.EntityUser, user.ID, "following_count", 1)
		h.notify(r.Context(), &models.Notification{
			UserID:  targetID,
			Type:    string(models.NotificationFollow),
			ActorID: user.ID,
		})
	}
	WriteJSONOK(w, map[string]bool{"following": true})
}

// Unfollow removes a follow edge.
func (h *PostHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	targetID := chi.URLParam(r, "id")

	deleted, err := h.store.DeleteFollow(r.Context(), user.ID, targetID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if deleted {
		h.bump(r.Context(), shard.EntityUser, targetID, "followers_count", -1)
		h.bump(r.Context(), shard.EntityUser, user.ID, "following_count", -1)
	}
	WriteJSONOK(w, map[string]bool{"following": false})
}

type createCommentRequest struct {
	Body            string  `json:"body"`
	AtMs            *int64  `json:"atMs,omitempty"`
	BBox            *string `json:"bbox,omitempty"`
	ParentCommentID *string `json:"parentCommentId,omitempty"`
}

// CreateComment adds a comment, optionally threaded under a parent on
// the same post.
func (h *PostHandler) CreateComment(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	post, err := h.visiblePost(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	var req createCommentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "body is required")
		return
	}
	if len(body) > maxCommentBody {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "body exceeds 2000 characters")
		return
	}
	if req.AtMs != nil && *req.AtMs < 0 {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "atMs must not be negative")
		return
	}
	if req.BBox != nil && len(*req.BBox) > maxCommentBBox {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "bbox exceeds 500 characters")
		return
	}

	comment := &models.Comment{
		ID:              uuid.NewString(),
		PostID:          post.ID,
		AuthorID:        user.ID,
		Body:            body,
		AtMs:            req.AtMs,
		BBox:            req.BBox,
		ParentCommentID: req.ParentCommentID,
	}
	if _, err := h.store.CreateComment(r.Context(), comment); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	h.bump(r.Context(), shard.EntityPost, post.ID, "comments_count", 1)
	if user.ID != post.AuthorID {
		h.notify(r.Context(), &models.Notification{
			UserID:    post.AuthorID,
			Type:      string(models.NotificationComment),
			ActorID:   user.ID,
			PostID:    &post.ID,
			CommentID: &comment.ID,
		})
	}
	WriteJSONCreated(w, comment)
}

// ListComments returns a post's comments, oldest first.
func (h *PostHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	post, err := h.visiblePost(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	limit := defaultCommentPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "limit must be a positive integer")
			return
		}
	}

	comments, err := h.store.ListComments(r.Context(), post.ID, limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	// Quarantined comments stay visible to moderators and their author.
	viewer := middleware.UserFrom(r.Context())
	visible := make([]*models.Comment, 0, len(comments))
	for _, comment := range comments {
		if comment.Quarantined {
			if viewer == nil || (!viewer.Moderator && viewer.ID != comment.AuthorID) {
				continue
			}
		}
		visible = append(visible, comment)
	}
	WriteJSONOK(w, map[string]any{"comments": visible})
}

// DeleteComment removes a comment and its replies. Comment author, post
// author, or moderator only.
func (h *PostHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	comment, err := h.store.GetComment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	post, err := h.store.GetPost(r.Context(), comment.PostID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if comment.AuthorID != user.ID && post.AuthorID != user.ID && !user.Moderator {
		WriteDomainError(w, r, models.ErrForbidden)
		return
	}

	removed, err := h.store.DeleteComment(r.Context(), comment.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if removed > 0 {
		h.bump(r.Context(), shard.EntityPost, post.ID, "comments_count", -removed)
	}
	WriteNoContent(w)
}
