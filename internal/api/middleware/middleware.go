// Package middleware provides the HTTP middleware stack for the control
// plane API: bearer token authentication, identity bootstrap, moderator
// gating, CORS, and request logging.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/capsulehub/capsuled/internal/api/auth"
	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/models"
)

// TokenVerifier validates a bearer token and returns its claims.
// Implemented by auth.Verifier; tests substitute a stub.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string) (*auth.Claims, error)
}

// IdentityStore resolves a verified subject to a platform user row,
// creating it on first sight. Implemented by store.GORMStore.
type IdentityStore interface {
	EnsureUser(ctx context.Context, user *models.User) (*models.User, error)
}

type contextKey int

const (
	userKey contextKey = iota
	claimsKey
)

// UserFrom returns the authenticated user, or nil on anonymous requests.
func UserFrom(ctx context.Context) *models.User {
	user, _ := ctx.Value(userKey).(*models.User)
	return user
}

// ClaimsFrom returns the verified token claims, or nil.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// writeError writes the API error envelope. The handlers package has a
// richer mapper; middleware only ever writes auth failures.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}

// authenticate resolves the Authorization header into a user row.
// Returns a nil user for requests without a token.
func authenticate(r *http.Request, verifier TokenVerifier, store IdentityStore) (*models.User, *auth.Claims, error) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, nil, nil
	}

	claims, err := verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, nil, err
	}

	// First sight of a subject creates the user row; the handle defaults
	// to the subject until the profile is updated.
	user, err := store.EnsureUser(r.Context(), &models.User{
		ID:     claims.UserID(),
		Handle: models.NormalizeHandle(claims.UserID()),
	})
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

// RequireUser rejects requests without a valid bearer token and injects
// the resolved user into the request context. Suspended accounts are
// rejected outright.
func RequireUser(verifier TokenVerifier, store IdentityStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, claims, err := authenticate(r, verifier, store)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
				return
			}
			if user == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}
			if user.Suspended {
				writeError(w, http.StatusForbidden, "SUSPENDED", "account suspended")
				return
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			ctx = context.WithValue(ctx, claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalUser resolves the bearer token when present but lets anonymous
// requests through. An invalid token is still a 401: silently dropping it
// would serve an anonymous view to a client that believes it is signed in.
func OptionalUser(verifier TokenVerifier, store IdentityStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, claims, err := authenticate(r, verifier, store)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
				return
			}
			if user == nil {
				next.ServeHTTP(w, r)
				return
			}
			if user.Suspended {
				writeError(w, http.StatusForbidden, "SUSPENDED", "account suspended")
				return
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			ctx = context.WithValue(ctx, claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireModerator gates a route group to moderator accounts. Must be
// mounted after RequireUser.
func RequireModerator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFrom(r.Context())
			if user == nil || !user.Moderator {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "moderator access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS allows browser clients from the configured origins. Dev mode
// additionally admits localhost origins on any port.
func CORS(allowedOrigins []string, devMode bool) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSuffix(origin, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowed[origin] || (devMode && isLocalhostOrigin(origin))) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost:") ||
		strings.HasPrefix(origin, "http://127.0.0.1:") ||
		origin == "http://localhost"
}

// RequestLogger logs one line per request and records the HTTP metrics.
// Health and metrics probes log at debug to keep the signal readable.
func RequestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			m.ObserveHTTPRequest(r.Method, route, strconv.Itoa(ww.Status()), elapsed)

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				logger.KeyStatus, ww.Status(),
				logger.KeyDurationMs, elapsed.Milliseconds(),
				logger.KeyRequestID, chimiddleware.GetReqID(r.Context()),
				logger.KeyClientIP, r.RemoteAddr,
			}
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				logger.Debug("request served", fields...)
				return
			}
			logger.Info("request served", fields...)
		})
	}
}
