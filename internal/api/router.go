// Package api assembles the control plane HTTP surface: middleware
// stack, route tree, and server lifecycle.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/capsulehub/capsuled/internal/api/handlers"
	apimiddleware "github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/pkg/blob"
	"github.com/capsulehub/capsuled/pkg/bundle"
	"github.com/capsulehub/capsuled/pkg/compiler"
	"github.com/capsulehub/capsuled/pkg/feed"
	"github.com/capsulehub/capsuled/pkg/kvcache"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/proxy"
	"github.com/capsulehub/capsuled/pkg/runs"
	"github.com/capsulehub/capsuled/pkg/store"
)

// Deps bundles the services the route tree is built from.
type Deps struct {
	Store       *store.GORMStore
	Blobs       blob.Store
	Cache       kvcache.Cache
	Verifier    apimiddleware.TokenVerifier
	Ingestor    *bundle.Ingestor
	GitHub      *bundle.GitHubFetcher
	Coordinator *compiler.Coordinator
	Runs        *runs.Manager
	Proxy       *proxy.Proxy
	Feed        *feed.Service
	Counters    handlers.Counters
	Events      handlers.EventAppender
	Metrics     *metrics.Metrics

	// BundleNetworkMode is strict or allow-https; it shapes the CSP on
	// served bundle content.
	BundleNetworkMode string

	// CORSAllowedOrigins admits browser clients; DevMode additionally
	// admits localhost.
	CORSAllowedOrigins []string
	DevMode            bool
}

// NewRouter builds the chi route tree.
//
// Public routes serve health, metrics, manifest validation, and the read
// side of the feed and capsule surfaces (with optional identity for
// viewer context). Everything that writes requires a verified bearer
// token; moderation additionally requires the moderator flag.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(apimiddleware.RequestLogger(deps.Metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(apimiddleware.CORS(deps.CORSAllowedOrigins, deps.DevMode))

	healthHandler := handlers.NewHealthHandler(deps.Store)
	manifestHandler := handlers.NewManifestHandler()
	capsuleHandler := handlers.NewCapsuleHandler(deps.Ingestor, deps.Store, deps.Blobs, deps.Coordinator, deps.GitHub, deps.BundleNetworkMode)
	artifactHandler := handlers.NewArtifactHandler(deps.Store, deps.Blobs, deps.Cache, deps.Coordinator, deps.BundleNetworkMode)
	runHandler := handlers.NewRunHandler(deps.Runs)
	feedHandler := handlers.NewFeedHandler(deps.Feed)
	postHandler := handlers.NewPostHandler(deps.Store, deps.Counters)
	notificationHandler := handlers.NewNotificationHandler(deps.Store)
	recipeHandler := handlers.NewRecipeHandler(deps.Store)
	proxyHandler := handlers.NewProxyHandler(deps.Proxy)
	eventHandler := handlers.NewEventHandler(deps.Events)
	moderationHandler := handlers.NewModerationHandler(deps.Store)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})
	if h := deps.Metrics.Handler(); h != nil {
		r.Method(http.MethodGet, "/metrics", h)
	}

	r.Post("/manifest/validate", manifestHandler.Validate)

	// Read surfaces: anonymous allowed, identity attached when present.
	r.Group(func(r chi.Router) {
		r.Use(apimiddleware.OptionalUser(deps.Verifier, deps.Store))

		r.Get("/posts", feedHandler.List)
		r.Get("/posts/{id}", postHandler.Get)
		r.Get("/posts/{id}/comments", postHandler.ListComments)

		r.Get("/capsules/{id}/bundle", capsuleHandler.Bundle)
		r.Get("/capsules/{id}/manifest", capsuleHandler.Manifest)
		r.Get("/capsules/{id}/ancestry", capsuleHandler.Ancestry)
		r.Get("/capsules/{id}/recipes", recipeHandler.List)

		r.Get("/artifacts/{id}/manifest", artifactHandler.Manifest)
		r.Get("/artifacts/{id}/bundle", artifactHandler.Bundle)
		r.Get("/artifacts/{id}/status", artifactHandler.Status)
	})

	// Write surfaces: verified identity required.
	r.Group(func(r chi.Router) {
		r.Use(apimiddleware.RequireUser(deps.Verifier, deps.Store))

		r.Post("/capsules/publish", capsuleHandler.Publish)
		r.Post("/import/zip", capsuleHandler.ImportZip)
		r.Post("/import/github", capsuleHandler.ImportGitHub)
		r.Post("/capsules/{id}/compile-draft", capsuleHandler.CompileDraft)
		r.Delete("/capsules/{id}", capsuleHandler.Delete)

		r.Post("/capsules/{id}/recipes", recipeHandler.Create)
		r.Put("/capsules/{id}/recipes/{recipeId}", recipeHandler.Update)
		r.Delete("/capsules/{id}/recipes/{recipeId}", recipeHandler.Delete)

		r.Post("/runs/start", runHandler.Start)
		r.Post("/runs/complete", runHandler.Complete)
		r.Post("/runs/{id}/logs", runHandler.Logs)

		r.Post("/posts", postHandler.Create)
		r.Delete("/posts/{id}", postHandler.Delete)
		r.Post("/posts/{id}/like", postHandler.Like)
		r.Delete("/posts/{id}/like", postHandler.Unlike)
		r.Post("/posts/{id}/comments", postHandler.CreateComment)
		r.Delete("/comments/{id}", postHandler.DeleteComment)

		r.Post("/users/{id}/follow", postHandler.Follow)
		r.Delete("/users/{id}/follow", postHandler.Unfollow)

		r.Get("/notifications", notificationHandler.List)
		r.Get("/notifications/summary", notificationHandler.Summary)
		r.Post("/notifications/mark-read", notificationHandler.MarkRead)

		r.Get("/proxy", proxyHandler.Fetch)
		r.Post("/events", eventHandler.Ingest)

		r.Route("/moderation", func(r chi.Router) {
			r.Use(apimiddleware.RequireModerator())

			r.Post("/posts/{id}/quarantine", moderationHandler.QuarantinePost)
			r.Delete("/posts/{id}/quarantine", moderationHandler.ReleasePost)
			r.Post("/capsules/{id}/quarantine", moderationHandler.QuarantineCapsule)
			r.Delete("/capsules/{id}/quarantine", moderationHandler.ReleaseCapsule)
			r.Post("/comments/{id}/quarantine", moderationHandler.QuarantineComment)
			r.Post("/users/{id}/flags", moderationHandler.SetUserFlags)
			r.Get("/audits", moderationHandler.ListAudits)
		})
	})

	return r
}
