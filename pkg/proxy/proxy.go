// Package proxy implements the capability-gated egress proxy. Sandboxed
// capsules cannot reach the network directly; they call the proxy, which
// enforces the capsule manifest's net capability intersected with the
// environment allowlist, SSRF guards, plan gating, and a per-user,
// per-host rate limit before forwarding.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	itelemetry "github.com/capsulehub/capsuled/internal/telemetry"
	"github.com/capsulehub/capsuled/pkg/manifest"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/shard"
)

// Rejection codes, surfaced in the error envelope and as the verdict
// metric label.
const (
	CodeProxyDisabled  = "PROXY_DISABLED"
	CodeInvalidURL     = "INVALID_URL"
	CodeBlockedScheme  = "BLOCKED_SCHEME"
	CodeBlockedAddress = "BLOCKED_ADDRESS"
	CodeForbidden      = "FORBIDDEN"
	CodeEmptyAllowlist = "EMPTY_ALLOWLIST"
	CodeHostNotAllowed = "HOST_NOT_ALLOWED"
	CodeFreeNotEnabled = "FREE_NOT_ENABLED"
	CodeRateLimited    = "RATE_LIMITED"

	verdictAllowed = "allowed"
)

// Error is a proxy rejection with its HTTP status.
type Error struct {
	Status int
	Code   string
}

func (e *Error) Error() string {
	return "proxy rejected: " + e.Code
}

// Rate limit defaults for the per-(user, host) window.
const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Hour
)

// Store is the relational surface the proxy needs. TakeProxyToken is
// the fixed-window fallback when no in-process limiter is wired.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetCapsule(ctx context.Context, id string) (*models.Capsule, error)
	TakeProxyToken(ctx context.Context, key string, nowMs, resetAtMs int64) (int64, int64, error)
}

// Config tunes the proxy.
type Config struct {
	// Enabled gates the whole feature.
	Enabled bool

	// FreeEnabled allows free plan users to proxy.
	FreeEnabled bool

	// AllowlistHosts is the environment host allowlist intersected with
	// each capsule's manifest capability.
	AllowlistHosts []string

	// RateLimit and RateWindow shape the per-(user, host) fixed window.
	RateLimit  int64
	RateWindow time.Duration
}

// RateInfo carries the X-RateLimit header values for a decision.
type RateInfo struct {
	Limit     int64
	Remaining int64
	ResetAtMs int64
}

// Decision is an approved egress request.
type Decision struct {
	URL  *url.URL
	Host string
	Rate RateInfo
}

// Proxy evaluates and forwards egress requests.
type Proxy struct {
	store   Store
	limiter *shard.RateLimiter
	client  *http.Client
	metrics *metrics.Metrics
	cfg     Config
}

// New creates a proxy. A nil limiter activates the DB token fallback; a
// nil client gets a default with a 30s timeout.
func New(store Store, limiter *shard.RateLimiter, client *http.Client, m *metrics.Metrics, cfg Config) *Proxy {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	return &Proxy{store: store, limiter: limiter, client: client, metrics: m, cfg: cfg}
}

// Evaluate runs the full admission state machine for one egress
// request. On rejection the returned *Error carries the HTTP status and
// code; a rate-limited rejection still carries RateInfo on the decision
// so the handler can set the X-RateLimit headers.
func (p *Proxy) Evaluate(ctx context.Context, userID, capsuleID, rawURL string) (*Decision, error) {
	if !p.cfg.Enabled {
		return nil, p.reject(CodeProxyDisabled, http.StatusForbidden)
	}

	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, p.reject(CodeInvalidURL, http.StatusBadRequest)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, p.reject(CodeBlockedScheme, http.StatusForbidden)
	}
	if isBlockedAddress(target.Hostname()) {
		return nil, p.reject(CodeBlockedAddress, http.StatusForbidden)
	}

	capsule, err := p.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if capsule.OwnerID != userID {
		return nil, p.reject(CodeForbidden, http.StatusForbidden)
	}

	m, result := manifest.Parse([]byte(capsule.ManifestJSON))
	if !result.Valid {
		return nil, p.reject(CodeEmptyAllowlist, http.StatusForbidden)
	}
	if len(m.Capabilities.Net) == 0 || len(p.cfg.AllowlistHosts) == 0 {
		return nil, p.reject(CodeEmptyAllowlist, http.StatusForbidden)
	}
	if !hostAllowed(target, m.Capabilities.Net) || !hostAllowed(target, p.cfg.AllowlistHosts) {
		return nil, p.reject(CodeHostNotAllowed, http.StatusForbidden)
	}

	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.GetPlan() == models.PlanFree && !p.cfg.FreeEnabled {
		return nil, p.reject(CodeFreeNotEnabled, http.StatusForbidden)
	}

	host := target.Hostname()
	rate, allowed, err := p.takeToken(ctx, userID, host)
	if err != nil {
		return nil, err
	}
	decision := &Decision{URL: target, Host: host, Rate: rate}
	if !allowed {
		p.metrics.ObserveProxyFetch(CodeRateLimited, 0)
		return decision, &Error{Status: http.StatusTooManyRequests, Code: CodeRateLimited}
	}
	return decision, nil
}

func (p *Proxy) reject(code string, status int) error {
	p.metrics.ObserveProxyFetch(code, 0)
	return &Error{Status: status, Code: code}
}

// takeToken consumes one token from the (user, host) fixed window,
// preferring the in-process limiter and falling back to the DB row.
func (p *Proxy) takeToken(ctx context.Context, userID, host string) (RateInfo, bool, error) {
	key := userID + ":" + host

	if p.limiter != nil {
		d := p.limiter.Take(key, p.cfg.RateLimit, p.cfg.RateWindow, 1)
		return RateInfo{Limit: d.Limit, Remaining: d.Remaining, ResetAtMs: d.ResetAtMs}, d.Allowed, nil
	}

	// Misconfiguration, not an error: single-instance tooling runs
	// without the limiter and leans on the shared DB window instead.
	logger.WarnCtx(ctx, "proxy rate limiter absent, using db fallback", logger.KeyUserID, userID)

	nowMs := time.Now().UnixMilli()
	count, resetAtMs, err := p.store.TakeProxyToken(ctx, key, nowMs, nowMs+p.cfg.RateWindow.Milliseconds())
	if err != nil {
		return RateInfo{}, false, err
	}
	remaining := p.cfg.RateLimit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateInfo{Limit: p.cfg.RateLimit, Remaining: remaining, ResetAtMs: resetAtMs}, count <= p.cfg.RateLimit, nil
}

// Forward executes the approved request and returns the upstream
// response. The caller owns the body and must strip hop-by-hop and
// set-cookie headers when relaying; CopyHeaders does that.
func (p *Proxy) Forward(ctx context.Context, decision *Decision) (*http.Response, error) {
	ctx, span := itelemetry.StartSpan(ctx, itelemetry.SpanProxyFetch)
	defer span.End()
	itelemetry.SetAttributes(ctx, itelemetry.ProxyHost(decision.Host))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, decision.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	// Outbound headers are built from scratch; nothing from the sandbox
	// request leaks upstream.
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", "capsuled-proxy/1.0")

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		p.metrics.ObserveProxyFetch("upstream_error", elapsed)
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}
	p.metrics.ObserveProxyFetch(verdictAllowed, elapsed)
	return resp, nil
}

// CopyHeaders relays upstream response headers, dropping set-cookie and
// hop-by-hop headers.
func CopyHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Set-Cookie", "Set-Cookie2", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Proxy-Authenticate", "Trailer":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// SetRateHeaders writes the X-RateLimit headers for a decision.
func SetRateHeaders(h http.Header, rate RateInfo) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(rate.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(rate.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(rate.ResetAtMs/1000, 10))
}

// isBlockedAddress rejects hosts that resolve into infrastructure
// address space by literal inspection: loopback names, IP literals in
// loopback, link-local, RFC1918, unspecified, or IPv6 ULA ranges.
func isBlockedAddress(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || lower == "localhost.localdomain" {
		return true
	}

	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		// Not an IP literal; hostname allowlisting decides.
		return false
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() || addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	// IPv6 unique local addresses (fc00::/7).
	if addr.Is6() && !addr.Is4In6() {
		b := addr.As16()
		if b[0]&0xfe == 0xfc {
			return true
		}
	}
	return false
}

// hostAllowed reports whether the target matches at least one allowlist
// pattern. Exact hosts and wildcards match only on the scheme default
// port; non-default ports require an explicit host:port pattern.
func hostAllowed(target *url.URL, patterns []string) bool {
	host := strings.ToLower(target.Hostname())
	port := target.Port()
	if port == "" {
		port = schemeDefaultPort(target.Scheme)
	}
	defaultPort := port == schemeDefaultPort(target.Scheme)

	for _, pattern := range patterns {
		if matchPattern(host, port, defaultPort, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func matchPattern(host, port string, defaultPort bool, pattern string) bool {
	patternHost, patternPort, err := net.SplitHostPort(pattern)
	if err == nil {
		return port == patternPort && matchHost(host, patternHost)
	}
	return defaultPort && matchHost(host, pattern)
}

func matchHost(host, pattern string) bool {
	if after, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+after)
	}
	return host == pattern
}

func schemeDefaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}
