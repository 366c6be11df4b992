// Package handlers provides the HTTP handlers for the control plane API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/bundle"
	"github.com/capsulehub/capsuled/pkg/feed"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/proxy"
	"github.com/capsulehub/capsuled/pkg/runs"
)

// Envelope is the API error body: a human message, a stable machine
// code, and optional structured details.
type Envelope struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteErrorDetails(w, status, code, message, nil)
}

// WriteErrorDetails writes the error envelope with structured details.
func WriteErrorDetails(w http.ResponseWriter, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: message, Code: code, Details: details})
}

// quotaDetails is the payload rendered on a quota rejection. The client
// shows the plan, its limits, and current usage.
type quotaDetails struct {
	Plan   string            `json:"plan"`
	Limits models.PlanLimits `json:"limits"`
	Usage  struct {
		Runs       int64 `json:"runs"`
		ActiveRuns int64 `json:"activeRuns,omitempty"`
	} `json:"usage"`
	PercentUsed float64 `json:"percentUsed"`
}

// WriteDomainError maps a service layer error to the HTTP envelope.
// Anything unrecognized becomes an opaque 500; the original error is
// logged, never echoed.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *bundle.ValidationError
	if errors.As(err, &validation) {
		WriteErrorDetails(w, http.StatusBadRequest, "VALIDATION", "bundle validation failed", validation.Issues)
		return
	}

	var quota *runs.QuotaError
	if errors.As(err, &quota) {
		details := quotaDetails{
			Plan:        quota.Plan,
			Limits:      quota.Limits,
			PercentUsed: quota.PercentUsed,
		}
		details.Usage.Runs = quota.RunsThisMonth
		details.Usage.ActiveRuns = quota.ActiveRuns
		WriteErrorDetails(w, http.StatusTooManyRequests, quota.Code, quota.Error(), details)
		return
	}

	var proxyErr *proxy.Error
	if errors.As(err, &proxyErr) {
		WriteError(w, proxyErr.Status, proxyErr.Code, proxyErr.Error())
		return
	}

	var feedErr *feed.RequestError
	if errors.As(err, &feedErr) {
		WriteError(w, http.StatusBadRequest, "VALIDATION", feedErr.Message)
		return
	}

	switch {
	case errors.Is(err, models.ErrRunBudgetExceeded):
		WriteError(w, http.StatusBadRequest, "BUDGET_EXCEEDED", err.Error())
	case errors.Is(err, models.ErrRemixCycle):
		WriteError(w, http.StatusBadRequest, "CYCLE", err.Error())
	case errors.Is(err, models.ErrConcurrentUpload):
		WriteError(w, http.StatusConflict, "CONCURRENT-UPLOAD", err.Error())
	case errors.Is(err, models.ErrQuotaExceeded):
		WriteError(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED", err.Error())
	case errors.Is(err, models.ErrBundleTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, "BUNDLE_TOO_LARGE", err.Error())
	case errors.Is(err, models.ErrActiveRunLimit):
		WriteError(w, http.StatusTooManyRequests, runs.CodeActiveLimit, err.Error())
	case errors.Is(err, models.ErrRecipeCap):
		WriteError(w, http.StatusTooManyRequests, "RECIPE_CAP", err.Error())

	case errors.Is(err, models.ErrCapsuleMismatch):
		WriteError(w, http.StatusBadRequest, "CAPSULE_MISMATCH", err.Error())
	case errors.Is(err, models.ErrPostMismatch):
		WriteError(w, http.StatusBadRequest, "POST_MISMATCH", err.Error())
	case errors.Is(err, models.ErrDuplicateHandle),
		errors.Is(err, models.ErrConflict):
		WriteError(w, http.StatusConflict, "CONFLICT", err.Error())

	case errors.Is(err, models.ErrSelfFollow),
		errors.Is(err, models.ErrParentNotFound),
		errors.Is(err, models.ErrParentMismatch),
		errors.Is(err, models.ErrRecipeNoParams):
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())

	case errors.Is(err, models.ErrForbidden),
		errors.Is(err, models.ErrRunOwnerMismatch),
		errors.Is(err, models.ErrRecipeForbidden),
		errors.Is(err, models.ErrUserSuspended):
		WriteError(w, http.StatusForbidden, "FORBIDDEN", err.Error())

	case errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, models.ErrCapsuleNotFound),
		errors.Is(err, models.ErrArtifactNotFound),
		errors.Is(err, models.ErrManifestNotFound),
		errors.Is(err, models.ErrPostNotFound),
		errors.Is(err, models.ErrCommentNotFound),
		errors.Is(err, models.ErrRunNotFound),
		errors.Is(err, models.ErrRecipeNotFound),
		errors.Is(err, models.ErrNotificationNotFound),
		errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())

	default:
		logger.ErrorCtx(r.Context(), "request failed", logger.KeyError, err.Error(),
			"method", r.Method, "path", r.URL.Path)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteJSONOK writes a 200 OK JSON response.
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSONCreated writes a 201 Created JSON response.
func WriteJSONCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a 204 No Content response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// maxJSONBody bounds request bodies on JSON endpoints.
const maxJSONBody = 1 << 20

// decodeJSONBody decodes the request body into v. On failure it writes
// the 400 envelope and returns false.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid request body")
		return false
	}
	return true
}

// decodeBestEffort decodes an optional JSON body. An empty or absent
// body leaves v untouched.
func decodeBestEffort(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
