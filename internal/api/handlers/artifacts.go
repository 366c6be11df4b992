package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/blob"
	"github.com/capsulehub/capsuled/pkg/compiler"
	"github.com/capsulehub/capsuled/pkg/kvcache"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
)

// manifestBackfillTTL is how long a DB-sourced runtime manifest stays in
// the cache after a miss.
const manifestBackfillTTL = 24 * time.Hour

// ArtifactHandler serves compiled artifact manifests and bundles.
type ArtifactHandler struct {
	store       *store.GORMStore
	blobs       blob.Store
	cache       kvcache.Cache
	coordinator *compiler.Coordinator
	networkMode string
}

// NewArtifactHandler creates an artifact handler.
func NewArtifactHandler(st *store.GORMStore, blobs blob.Store, cache kvcache.Cache, coordinator *compiler.Coordinator, networkMode string) *ArtifactHandler {
	return &ArtifactHandler{
		store:       st,
		blobs:       blobs,
		cache:       cache,
		coordinator: coordinator,
		networkMode: networkMode,
	}
}

// visibleArtifact hides quarantined and removed artifacts from everyone
// but the owner and moderators.
func (h *ArtifactHandler) visibleArtifact(r *http.Request, id string) (*models.Artifact, error) {
	artifact, err := h.store.GetArtifact(r.Context(), id)
	if err != nil {
		return nil, err
	}
	status := models.ArtifactStatus(artifact.Status)
	if status == models.ArtifactQuarantined || status == models.ArtifactRemoved {
		user := middleware.UserFrom(r.Context())
		if user == nil || (user.ID != artifact.OwnerID && !user.Moderator) {
			return nil, models.ErrArtifactNotFound
		}
	}
	return artifact, nil
}

// Manifest serves the latest runtime manifest, preferring the cache and
// falling back to the versioned DB row. DB hits are written back to the
// cache best effort.
func (h *ArtifactHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.visibleArtifact(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	key := compiler.CacheKey(artifact.ID)
	if h.cache != nil {
		if data, err := h.cache.Get(r.Context(), key); err == nil {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
			return
		}
	}

	m, err := h.store.GetArtifactManifest(r.Context(), artifact.ID, 0)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(r.Context(), key, []byte(m.ManifestJSON), manifestBackfillTTL); err != nil {
			logger.WarnCtx(r.Context(), "manifest cache backfill failed",
				logger.KeyArtifactID, artifact.ID, logger.KeyError, err.Error())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(m.ManifestJSON))
}

// Bundle streams the compiled bundle with the sandbox CSP and immutable
// caching.
func (h *ArtifactHandler) Bundle(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.visibleArtifact(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	data, err := h.blobs.Get(r.Context(), compiler.BundleKey(artifact.ID))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "artifact bundle not found")
			return
		}
		WriteDomainError(w, r, err)
		return
	}

	setBundleHeaders(w, "application/javascript; charset=utf-8", h.networkMode)
	_, _ = w.Write(data)
}

// Status reports the compile coordinator's view of an artifact: last
// request, last result, and whether a compile is in flight.
func (h *ArtifactHandler) Status(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.visibleArtifact(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONOK(w, h.coordinator.Inspect(r.Context(), artifact.ID))
}
