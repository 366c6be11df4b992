package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/pkg/blob"
	"github.com/capsulehub/capsuled/pkg/bundle"
	"github.com/capsulehub/capsuled/pkg/compiler"
	"github.com/capsulehub/capsuled/pkg/manifest"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
)

// Bundle network modes for the Content-Security-Policy served with
// capsule and artifact bundles.
const (
	NetworkModeStrict     = "strict"
	NetworkModeAllowHTTPS = "allow-https"
)

// bundleCSP builds the Content-Security-Policy for served bundle
// content. Strict mode denies all egress; allow-https lets the sandbox
// talk to https origins (the proxy still gates per-host access).
func bundleCSP(networkMode string) string {
	connect := "'none'"
	if networkMode == NetworkModeAllowHTTPS {
		connect = "'self' https:"
	}
	return "default-src 'none'; " +
		"script-src 'self' 'unsafe-inline'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data: blob:; " +
		"media-src 'self' data: blob:; " +
		"font-src 'self' data:; " +
		"connect-src " + connect + "; " +
		"frame-ancestors 'self'"
}

// setBundleHeaders writes the common headers for immutable bundle
// content. Bundle URLs embed a content hash or artifact id, so a year of
// caching is safe.
func setBundleHeaders(w http.ResponseWriter, contentType, networkMode string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Security-Policy", bundleCSP(networkMode))
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// multipartMemory is the in-memory threshold for multipart parsing;
// larger uploads spill to temp files.
const multipartMemory = 32 << 20

// CapsuleHandler serves capsule publish, import, playback, and lifecycle
// endpoints.
type CapsuleHandler struct {
	ingestor    *bundle.Ingestor
	store       *store.GORMStore
	blobs       blob.Store
	coordinator *compiler.Coordinator
	github      *bundle.GitHubFetcher
	networkMode string
}

// NewCapsuleHandler creates a capsule handler.
func NewCapsuleHandler(ingestor *bundle.Ingestor, st *store.GORMStore, blobs blob.Store, coordinator *compiler.Coordinator, github *bundle.GitHubFetcher, networkMode string) *CapsuleHandler {
	return &CapsuleHandler{
		ingestor:    ingestor,
		store:       st,
		blobs:       blobs,
		coordinator: coordinator,
		github:      github,
		networkMode: networkMode,
	}
}

// Publish accepts a multipart upload of bundle files and runs the
// publish pipeline. The files field repeats per bundle file and must
// include manifest.json.
func (h *CapsuleHandler) Publish(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var files []bundle.File
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "unreadable upload part")
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "unreadable upload part")
			return
		}
		files = append(files, bundle.File{Path: header.Filename, Data: data})
	}
	if len(files) == 0 {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "no files uploaded")
		return
	}

	result, err := h.ingestor.Publish(r.Context(), bundle.PublishInput{
		OwnerID: user.ID,
		Title:   r.FormValue("title"),
		Files:   files,
		RemixOf: r.FormValue("remixOf"),
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONCreated(w, result)
}

// maxZipImport bounds a zip import request body. The per-plan bundle
// limit is enforced after extraction.
const maxZipImport = 256 << 20

// ImportZip accepts a zip archive, either as a multipart file field or
// as the raw request body, and publishes its contents as a capsule.
func (h *CapsuleHandler) ImportZip(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var data []byte
	title := r.URL.Query().Get("title")

	if err := r.ParseMultipartForm(multipartMemory); err == nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		if title == "" {
			title = r.FormValue("title")
		}
		if headers := r.MultipartForm.File["file"]; len(headers) > 0 {
			f, err := headers[0].Open()
			if err == nil {
				data, err = io.ReadAll(f)
				_ = f.Close()
			}
			if err != nil {
				WriteError(w, http.StatusBadRequest, "VALIDATION", "unreadable upload part")
				return
			}
		}
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxZipImport))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "unreadable request body")
			return
		}
		data = body
	}
	if len(data) == 0 {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "empty zip upload")
		return
	}

	result, err := h.ingestor.ImportZip(r.Context(), user.ID, title, data)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONCreated(w, result)
}

type importGitHubRequest struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ImportGitHub fetches a public GitHub repository zipball and publishes
// its contents as a capsule.
func (h *CapsuleHandler) ImportGitHub(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var req importGitHubRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "url is required")
		return
	}

	result, err := h.ingestor.ImportGitHub(r.Context(), h.github, user.ID, req.Title, req.URL)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONCreated(w, result)
}

// visibleCapsule loads a capsule and hides quarantined ones from
// everyone but the owner and moderators.
func (h *CapsuleHandler) visibleCapsule(r *http.Request, id string) (*models.Capsule, error) {
	capsule, err := h.store.GetCapsule(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if capsule.Quarantined {
		user := middleware.UserFrom(r.Context())
		if user == nil || (user.ID != capsule.OwnerID && !user.Moderator) {
			return nil, models.ErrCapsuleNotFound
		}
	}
	return capsule, nil
}

// Bundle streams the capsule's entry file with the sandbox CSP and
// immutable caching.
func (h *CapsuleHandler) Bundle(w http.ResponseWriter, r *http.Request) {
	capsule, err := h.visibleCapsule(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	m, result := manifest.Parse([]byte(capsule.ManifestJSON))
	if !result.Valid {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "stored manifest is invalid")
		return
	}

	data, err := h.blobs.Get(r.Context(), bundle.CapsuleKey(capsule.ContentHash, m.Entry))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "bundle entry not found")
			return
		}
		WriteDomainError(w, r, err)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(m.Entry))
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	setBundleHeaders(w, contentType, h.networkMode)
	_, _ = w.Write(data)
}

// Manifest serves the capsule manifest, preferring the stored blob and
// falling back to the capsule row.
func (h *CapsuleHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	capsule, err := h.visibleCapsule(r, chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	data, err := h.blobs.Get(r.Context(), bundle.CapsuleKey(capsule.ContentHash, bundle.ManifestFileName))
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			WriteDomainError(w, r, err)
			return
		}
		data = []byte(capsule.ManifestJSON)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// CompileDraft requests a compile of the capsule's artifact, creating a
// draft artifact on first request. The compile itself runs on the
// artifact's single-writer actor; the response only acknowledges the
// request.
func (h *CapsuleHandler) CompileDraft(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	capsule, err := h.store.GetCapsule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if capsule.OwnerID != user.ID && !user.Moderator {
		WriteDomainError(w, r, models.ErrForbidden)
		return
	}

	artifact, err := h.store.GetArtifactByCapsule(r.Context(), capsule.ID)
	if errors.Is(err, models.ErrArtifactNotFound) {
		artifact = &models.Artifact{
			ID:        uuid.NewString(),
			OwnerID:   capsule.OwnerID,
			CapsuleID: capsule.ID,
			Status:    string(models.ArtifactDraft),
		}
		if _, err = h.store.CreateArtifact(r.Context(), artifact); err != nil {
			WriteDomainError(w, r, err)
			return
		}
	} else if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	accepted := h.coordinator.Compile(r.Context(), artifact.ID, "", user.ID)
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"artifactId": artifact.ID,
		"accepted":   accepted,
	})
}

// Delete removes a capsule, its assets, and its blobs, refunding the
// owner's storage quota.
func (h *CapsuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	if err := h.ingestor.Delete(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteNoContent(w)
}

// Ancestry returns the remix ancestor chain of a capsule, nearest
// parent first.
func (h *CapsuleHandler) Ancestry(w http.ResponseWriter, r *http.Request) {
	if _, err := h.visibleCapsule(r, chi.URLParam(r, "id")); err != nil {
		WriteDomainError(w, r, err)
		return
	}

	ancestors, err := h.ingestor.Ancestry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if ancestors == nil {
		ancestors = []string{}
	}
	WriteJSONOK(w, map[string]any{"ancestors": ancestors})
}
