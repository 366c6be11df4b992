// Package feed assembles the post feed: candidate selection per mode,
// safety filtering, batched enrichment, and personalized ranking.
package feed

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	itelemetry "github.com/capsulehub/capsuled/internal/telemetry"
	"github.com/capsulehub/capsuled/pkg/bundle"
	"github.com/capsulehub/capsuled/pkg/kvcache"
	"github.com/capsulehub/capsuled/pkg/manifest"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
	"github.com/capsulehub/capsuled/pkg/telemetry"
)

// Mode selects the candidate strategy for one feed page.
type Mode string

const (
	ModeLatest    Mode = "latest"
	ModeFollowing Mode = "following"
	ModeTags      Mode = "tags"
	ModeForYou    Mode = "foryou"
)

// Page size bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 50

	// The personalized mode overfetches recent candidates and ranks them
	// in memory; the pool is capped so one page stays one bounded query.
	forYouOverfetch     = 4
	maxForYouCandidates = 200

	artifactCacheTTL = 10 * time.Minute
)

// RequestError reports an invalid feed request. Handlers map it to a
// 400 response.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return "invalid feed request: " + e.Message
}

// Store is the relational surface the feed needs.
type Store interface {
	ListFeedPosts(ctx context.Context, page store.FeedPage) ([]*models.Post, error)
	ListFollowing(ctx context.Context, followerID string) ([]string, error)
	ListLikedPostIDs(ctx context.Context, userID string, postIDs []string) ([]string, error)
	GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error)
	GetCapsules(ctx context.Context, ids []string) (map[string]*models.Capsule, error)
	GetArtifactByCapsule(ctx context.Context, capsuleID string) (*models.Artifact, error)
}

// Config tunes the feed service.
type Config struct {
	// RuntimeArtifactsEnabled switches capsule playback references from
	// raw bundle keys to compiled artifact ids.
	RuntimeArtifactsEnabled bool
}

// Request is one feed page request. ViewerID is empty for anonymous
// readers.
type Request struct {
	Mode     Mode
	Limit    int
	Offset   int
	Tag      string
	Query    string
	AuthorID string
	ViewerID string
}

// AuthorSummary is the embedded author card on a feed item.
type AuthorSummary struct {
	ID             string `json:"id"`
	Handle         string `json:"handle"`
	DisplayName    string `json:"displayName,omitempty"`
	Plan           string `json:"plan"`
	Featured       bool   `json:"featured,omitempty"`
	FollowersCount int64  `json:"followersCount"`
}

// CapsuleRef tells the player how to load an app post. When artifacts
// are enabled and a compiled one exists, ArtifactID is set; otherwise
// BundleKey points at the raw entry blob.
type CapsuleRef struct {
	ID          string `json:"id"`
	ContentHash string `json:"contentHash"`
	ArtifactID  string `json:"artifactId,omitempty"`
	BundleKey   string `json:"bundleKey,omitempty"`
	Entry       string `json:"entry,omitempty"`
}

// Stats carries the denormalized engagement counters.
type Stats struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Runs     int64 `json:"runs"`
	Remixes  int64 `json:"remixes"`
}

// ViewerContext is the signed-in reader's relationship to an item.
type ViewerContext struct {
	Liked           bool `json:"liked"`
	FollowingAuthor bool `json:"followingAuthor"`
}

// Item is one enriched feed entry.
type Item struct {
	Post    *models.Post   `json:"post"`
	Author  *AuthorSummary `json:"author"`
	Capsule *CapsuleRef    `json:"capsule,omitempty"`
	Stats   Stats          `json:"stats"`
	Viewer  *ViewerContext `json:"viewer,omitempty"`
	Score   float64        `json:"score,omitempty"`
}

// Page is one feed response.
type Page struct {
	Items      []*Item `json:"items"`
	NextOffset int     `json:"nextOffset"`
}

// Service builds feed pages.
type Service struct {
	store     Store
	cache     kvcache.Cache
	metrics   *metrics.Metrics
	analytics telemetry.Sink
	cfg       Config
	now       func() time.Time
}

// New creates a feed service. The cache memoizes capsule-to-artifact
// resolution; nil disables that memoization.
func New(st Store, cache kvcache.Cache, m *metrics.Metrics, analytics telemetry.Sink, cfg Config) *Service {
	if analytics == nil {
		analytics = telemetry.NopSink{}
	}
	return &Service{store: st, cache: cache, metrics: m, analytics: analytics, cfg: cfg, now: time.Now}
}

// SetNow overrides the clock for tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Build assembles one feed page.
func (s *Service) Build(ctx context.Context, req Request) (*Page, error) {
	ctx, span := itelemetry.StartSpan(ctx, itelemetry.SpanFeedBuild)
	defer span.End()

	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	start := s.now()
	posts, scores, err := s.candidates(ctx, req)
	if err != nil {
		itelemetry.RecordError(ctx, err)
		return nil, err
	}

	items, err := s.enrich(ctx, req, posts, scores)
	if err != nil {
		itelemetry.RecordError(ctx, err)
		return nil, err
	}

	elapsed := s.now().Sub(start)
	s.metrics.ObserveFeedBuild(string(req.Mode), elapsed)
	s.analytics.Track(ctx, telemetry.Point{
		Name:    "feed_build",
		Indexes: []string{string(req.Mode)},
		Doubles: []float64{float64(len(items)), float64(elapsed.Milliseconds())},
	})

	return &Page{Items: items, NextOffset: req.Offset + len(items)}, nil
}

func normalizeRequest(req Request) (Request, error) {
	switch req.Mode {
	case "":
		req.Mode = ModeLatest
	case ModeLatest, ModeFollowing, ModeTags, ModeForYou:
	default:
		return req, &RequestError{Message: "unknown mode " + string(req.Mode)}
	}

	if req.Limit < 0 {
		return req, &RequestError{Message: "limit must be positive"}
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	if req.Offset < 0 {
		return req, &RequestError{Message: "offset must not be negative"}
	}

	if req.Mode == ModeFollowing && req.ViewerID == "" {
		return req, &RequestError{Message: "following mode requires authentication"}
	}
	if req.Mode == ModeTags && req.Tag == "" {
		return req, &RequestError{Message: "tags mode requires a tag"}
	}
	return req, nil
}

// candidates selects and orders the page's posts. The returned scores
// map is populated only in the personalized mode.
func (s *Service) candidates(ctx context.Context, req Request) ([]*models.Post, map[string]float64, error) {
	page := store.FeedPage{
		Limit:    req.Limit,
		Offset:   req.Offset,
		Tag:      req.Tag,
		Query:    req.Query,
		ViewerID: req.ViewerID,
	}
	if req.AuthorID != "" {
		page.AuthorIDs = []string{req.AuthorID}
	}

	switch req.Mode {
	case ModeFollowing:
		followees, err := s.store.ListFollowing(ctx, req.ViewerID)
		if err != nil {
			return nil, nil, err
		}
		if len(followees) == 0 {
			return nil, nil, nil
		}
		page.AuthorIDs = followees
		posts, err := s.store.ListFeedPosts(ctx, page)
		return posts, nil, err

	case ModeForYou:
		return s.rankForYou(ctx, req, page)

	default:
		posts, err := s.store.ListFeedPosts(ctx, page)
		return posts, nil, err
	}
}

// rankForYou overfetches recent candidates, scores them, and slices out
// the requested window.
func (s *Service) rankForYou(ctx context.Context, req Request, page store.FeedPage) ([]*models.Post, map[string]float64, error) {
	pool := (req.Offset + req.Limit) * forYouOverfetch
	if pool > maxForYouCandidates {
		pool = maxForYouCandidates
	}
	page.Limit = pool
	page.Offset = 0

	posts, err := s.store.ListFeedPosts(ctx, page)
	if err != nil {
		return nil, nil, err
	}
	if len(posts) == 0 {
		return nil, nil, nil
	}

	authorIDs := make([]string, 0, len(posts))
	seen := make(map[string]bool, len(posts))
	for _, p := range posts {
		if !seen[p.AuthorID] {
			seen[p.AuthorID] = true
			authorIDs = append(authorIDs, p.AuthorID)
		}
	}
	authors, err := s.store.GetUsers(ctx, authorIDs)
	if err != nil {
		return nil, nil, err
	}

	nowSec := s.now().Unix()
	scores := make(map[string]float64, len(posts))
	for _, p := range posts {
		var followers int64
		var featured bool
		plan := models.PlanFree
		if author, ok := authors[p.AuthorID]; ok {
			followers = author.FollowersCount
			featured = author.Featured
			plan = author.GetPlan()
		}
		scores[p.ID] = ComputeForYouScore(
			p.CreatedAt.Unix(), nowSec,
			Engagement{Runs: p.RunsCount, Likes: p.LikesCount, Comments: p.CommentsCount, Remixes: p.RemixesCount},
			followers, featured, plan, p.CapsuleID != nil)
	}

	sort.SliceStable(posts, func(i, j int) bool {
		si, sj := scores[posts[i].ID], scores[posts[j].ID]
		if si != sj {
			return si > sj
		}
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID < posts[j].ID
	})

	if req.Offset >= len(posts) {
		return nil, scores, nil
	}
	end := req.Offset + req.Limit
	if end > len(posts) {
		end = len(posts)
	}
	return posts[req.Offset:end], scores, nil
}

// enrich attaches authors, capsule references, and viewer context with
// one batched query per concern.
func (s *Service) enrich(ctx context.Context, req Request, posts []*models.Post, scores map[string]float64) ([]*Item, error) {
	if len(posts) == 0 {
		return []*Item{}, nil
	}

	postIDs := make([]string, 0, len(posts))
	authorIDs := make([]string, 0, len(posts))
	capsuleIDs := make([]string, 0, len(posts))
	seenAuthor := make(map[string]bool, len(posts))
	for _, p := range posts {
		postIDs = append(postIDs, p.ID)
		if !seenAuthor[p.AuthorID] {
			seenAuthor[p.AuthorID] = true
			authorIDs = append(authorIDs, p.AuthorID)
		}
		if p.CapsuleID != nil {
			capsuleIDs = append(capsuleIDs, *p.CapsuleID)
		}
	}

	authors, err := s.store.GetUsers(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	capsules, err := s.store.GetCapsules(ctx, capsuleIDs)
	if err != nil {
		return nil, err
	}

	liked := map[string]bool{}
	following := map[string]bool{}
	if req.ViewerID != "" {
		likedIDs, err := s.store.ListLikedPostIDs(ctx, req.ViewerID, postIDs)
		if err != nil {
			return nil, err
		}
		for _, id := range likedIDs {
			liked[id] = true
		}
		followees, err := s.store.ListFollowing(ctx, req.ViewerID)
		if err != nil {
			return nil, err
		}
		for _, id := range followees {
			following[id] = true
		}
	}

	items := make([]*Item, 0, len(posts))
	for _, p := range posts {
		item := &Item{
			Post: p,
			Stats: Stats{
				Likes:    p.LikesCount,
				Comments: p.CommentsCount,
				Runs:     p.RunsCount,
				Remixes:  p.RemixesCount,
			},
			Score: scores[p.ID],
		}
		if author, ok := authors[p.AuthorID]; ok {
			item.Author = &AuthorSummary{
				ID:             author.ID,
				Handle:         author.Handle,
				DisplayName:    author.DisplayName,
				Plan:           string(author.GetPlan()),
				Featured:       author.Featured,
				FollowersCount: author.FollowersCount,
			}
		}
		if p.CapsuleID != nil {
			if capsule, ok := capsules[*p.CapsuleID]; ok && !capsule.Quarantined {
				item.Capsule = s.capsuleRef(ctx, capsule)
			}
		}
		if req.ViewerID != "" {
			item.Viewer = &ViewerContext{
				Liked:           liked[p.ID],
				FollowingAuthor: following[p.AuthorID],
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// capsuleRef resolves how the player should load a capsule. With
// artifacts enabled it prefers the compiled artifact id, memoized in the
// cache; otherwise, or when no active artifact exists, it falls back to
// the raw entry blob key.
func (s *Service) capsuleRef(ctx context.Context, capsule *models.Capsule) *CapsuleRef {
	ref := &CapsuleRef{ID: capsule.ID, ContentHash: capsule.ContentHash}

	if s.cfg.RuntimeArtifactsEnabled {
		if id := s.resolveArtifactID(ctx, capsule.ID); id != "" {
			ref.ArtifactID = id
			return ref
		}
	}

	m, result := manifest.Parse([]byte(capsule.ManifestJSON))
	if !result.Valid {
		logger.WarnCtx(ctx, "capsule manifest unreadable during feed enrichment",
			logger.KeyCapsuleID, capsule.ID)
		return ref
	}
	ref.Entry = m.Entry
	ref.BundleKey = bundle.CapsuleKey(capsule.ContentHash, m.Entry)
	return ref
}

func artifactCacheKey(capsuleID string) string {
	return "capsule-artifact:" + capsuleID
}

func (s *Service) resolveArtifactID(ctx context.Context, capsuleID string) string {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, artifactCacheKey(capsuleID)); err == nil {
			return string(cached)
		}
	}

	artifact, err := s.store.GetArtifactByCapsule(ctx, capsuleID)
	if err != nil {
		if !errors.Is(err, models.ErrArtifactNotFound) {
			logger.WarnCtx(ctx, "artifact lookup failed during feed enrichment",
				logger.KeyCapsuleID, capsuleID, logger.KeyError, err)
		}
		return ""
	}
	if artifact.Status != string(models.ArtifactActive) {
		return ""
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, artifactCacheKey(capsuleID), []byte(artifact.ID), artifactCacheTTL); err != nil {
			logger.DebugCtx(ctx, "artifact cache write failed",
				logger.KeyCapsuleID, capsuleID, logger.KeyError, err)
		}
	}
	return artifact.ID
}
