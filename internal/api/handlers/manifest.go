package handlers

import (
	"io"
	"net/http"

	"github.com/capsulehub/capsuled/pkg/manifest"
)

// maxManifestBody bounds a manifest validation request.
const maxManifestBody = 256 << 10

// ManifestHandler validates capsule manifests without publishing.
type ManifestHandler struct{}

// NewManifestHandler creates a manifest handler.
func NewManifestHandler() *ManifestHandler {
	return &ManifestHandler{}
}

// Validate checks a manifest document and returns the structured result.
// Validation failures are a successful validation request: the response
// is always 200 with valid=false and the issue list.
func (h *ManifestHandler) Validate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "unreadable request body")
		return
	}

	_, result := manifest.Parse(body)
	WriteJSONOK(w, result)
}
