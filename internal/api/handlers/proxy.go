package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/pkg/proxy"
)

// ProxyHandler serves the capability-gated egress proxy.
type ProxyHandler struct {
	proxy *proxy.Proxy
}

// NewProxyHandler creates a proxy handler.
func NewProxyHandler(p *proxy.Proxy) *ProxyHandler {
	return &ProxyHandler{proxy: p}
}

// Fetch evaluates and forwards one egress request on behalf of a
// sandboxed capsule. Rate headers are set whenever a window decision was
// made, including on the 429 itself.
func (h *ProxyHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	rawURL := r.URL.Query().Get("url")
	capsuleID := r.URL.Query().Get("capsuleId")
	if rawURL == "" || capsuleID == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "url and capsuleId are required")
		return
	}

	decision, err := h.proxy.Evaluate(r.Context(), user.ID, capsuleID, rawURL)
	if decision != nil {
		proxy.SetRateHeaders(w.Header(), decision.Rate)
	}
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	resp, err := h.proxy.Forward(r.Context(), decision)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "upstream fetch failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	proxy.CopyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, io.EOF) {
		// The client went away mid-stream; nothing left to write.
		return
	}
}
