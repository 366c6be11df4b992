package feed

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulehub/capsuled/pkg/kvcache"
	kvmem "github.com/capsulehub/capsuled/pkg/kvcache/memory"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
)

const feedManifest = `{"version":"1.0","runner":"client-static","entry":"index.html"}`

func newTestFeed(t *testing.T, cfg Config) (*Service, *store.GORMStore, *kvmem.MemoryCache) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	cache := kvmem.New()
	t.Cleanup(func() { _ = cache.Close() })
	return New(st, cache, nil, nil, cfg), st, cache
}

func seedUser(t *testing.T, st *store.GORMStore, id string, mutate func(*models.User)) {
	t.Helper()
	u := &models.User{ID: id, Handle: id, DisplayName: id}
	if mutate != nil {
		mutate(u)
	}
	_, err := st.EnsureUser(context.Background(), u)
	require.NoError(t, err)
	if mutate != nil {
		// EnsureUser only inserts identity fields; push the rest directly.
		require.NoError(t, st.DB().Model(&models.User{}).Where("id = ?", id).Updates(u).Error)
	}
}

// seedPost inserts a post and backdates it by ageMinutes so ordering is
// deterministic.
func seedPost(t *testing.T, st *store.GORMStore, post *models.Post, ageMinutes int) string {
	t.Helper()
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.Type == "" {
		post.Type = string(models.PostTypeApp)
	}
	if post.Visibility == "" {
		post.Visibility = string(models.VisibilityPublic)
	}
	if post.TagsJSON == "" {
		post.TagsJSON = "[]"
	}
	_, err := st.CreatePost(context.Background(), post)
	require.NoError(t, err)

	createdAt := time.Now().Add(-time.Duration(ageMinutes) * time.Minute)
	require.NoError(t, st.DB().Model(&models.Post{}).
		Where("id = ?", post.ID).
		Update("created_at", createdAt).Error)
	return post.ID
}

func seedCapsule(t *testing.T, st *store.GORMStore, ownerID string) *models.Capsule {
	t.Helper()
	capsule := &models.Capsule{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		ManifestJSON: feedManifest,
		ContentHash:  "cafebabe",
	}
	require.NoError(t, st.CreateCapsule(context.Background(), capsule, nil))
	return capsule
}

func postIDs(page *Page) []string {
	ids := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		ids = append(ids, item.Post.ID)
	}
	return ids
}

func TestBuildRejectsBadRequests(t *testing.T) {
	svc, _, _ := newTestFeed(t, Config{})
	ctx := context.Background()

	for name, req := range map[string]Request{
		"unknown mode":          {Mode: "trending"},
		"negative limit":        {Limit: -1},
		"negative offset":       {Offset: -3},
		"following anonymously": {Mode: ModeFollowing},
		"tags mode without tag": {Mode: ModeTags},
	} {
		_, err := svc.Build(ctx, req)
		var rerr *RequestError
		require.ErrorAs(t, err, &rerr, name)
	}
}

func TestBuildLatestOrderAndPaging(t *testing.T) {
	svc, st, _ := newTestFeed(t, Config{})
	seedUser(t, st, "alice", nil)

	newest := seedPost(t, st, &models.Post{AuthorID: "alice", Title: "newest"}, 1)
	middle := seedPost(t, st, &models.Post{AuthorID: "alice", Title: "middle"}, 10)
	oldest := seedPost(t, st, &models.Post{AuthorID: "alice", Title: "oldest"}, 60)

	page, err := svc.Build(context.Background(), Request{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{newest, middle}, postIDs(page))
	assert.Equal(t, 2, page.NextOffset)

	page, err = svc.Build(context.Background(), Request{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{oldest}, postIDs(page))
}

func TestBuildHidesUnsafeContent(t *testing.T) {
	svc, st, _ := newTestFeed(t, Config{})
	seedUser(t, st, "alice", nil)
	seedUser(t, st, "banned", func(u *models.User) { u.ShadowBanned = true })
	seedUser(t, st, "suspended", func(u *models.User) { u.Suspended = true })

	visible := seedPost(t, st, &models.Post{AuthorID: "alice", Title: "ok"}, 1)
	seedPost(t, st, &models.Post{AuthorID: "alice", Title: "draft", Visibility: string(models.VisibilityPrivate)}, 2)
	seedPost(t, st, &models.Post{AuthorID: "alice", Title: "bad", Quarantined: true}, 3)
	hidden := seedPost(t, st, &models.Post{AuthorID: "banned", Title: "shadow"}, 4)
	seedPost(t, st, &models.Post{AuthorID: "suspended", Title: "gone"}, 5)

	page, err := svc.Build(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{visible}, postIDs(page))

	// Shadow-banned authors still see their own posts.
	page, err = svc.Build(context.Background(), Request{ViewerID: "banned"})
	require.NoError(t, err)
	assert.Equal(t, []string{visible, hidden}, postIDs(page))
}

func TestBuildFollowingMode(t *testing.T) {
	svc, st, _ := newTestFeed(t, Config{})
	seedUser(t, st, "viewer", nil)
	seedUser(t, st, "followed", nil)
	seedUser(t, st, "stranger", nil)

	followedPost := seedPost(t, st, &models.Post{AuthorID: "followed", Title: "in"}, 1)
	seedPost(t, st, &models.Post{AuthorID: "stranger", Title: "out"}, 2)

	// No follows yet: empty page, not an error.
	page, err := svc.Build(context.Background(), Request{Mode: ModeFollowing, ViewerID: "viewer"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = st.CreateFollow(context.Background(), "viewer", "followed")
	require.NoError(t, err)

	page, err = svc.Build(context.Background(), Request{Mode: ModeFollowing, ViewerID: "viewer"})
	require.NoError(t, err)
	assert.Equal(t, []string{followedPost}, postIDs(page))
}

func TestBuildTagsAndSearch(t *testing.T) {
	svc, st, _ := newTestFeed(t, Config{})
	seedUser(t, st, "alice", nil)

	tagged := &models.Post{AuthorID: "alice", Title: "Orbit Sim", Description: "gravity playground"}
	tagged.SetTags([]string{"physics", "space"})
	taggedID := seedPost(t, st, tagged, 1)
	seedPost(t, st, &models.Post{AuthorID: "alice", Title: "Recipe Book"}, 2)

	page, err := svc.Build(context.Background(), Request{Mode: ModeTags, Tag: "physics"})
	require.NoError(t, err)
	assert.Equal(t, []string{taggedID}, postIDs(page))

	page, err = svc.Build(context.Background(), Request{Query: "GRAVITY"})
	require.NoError(t, err)
	assert.Equal(t, []string{taggedID}, postIDs(page))

	page, err = svc.Build(context.Background(), Request{Query: "nothing matches"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestBuildForYouRanking(t *testing.T) {
	svc, st, _ := newTestFeed(t, Config{})
	seedUser(t, st, "star", func(u *models.User) {
		u.Featured = true
		u.Plan = string(models.PlanPro)
		u.FollowersCount = 5000
	})
	seedUser(t, st, "newbie", nil)

	// Same age, wildly different engagement and author signal.
	hot := seedPost(t, st, &models.Post{
		AuthorID: "star", Title: "hot",
		LikesCount: 200, RunsCount: 500, CommentsCount: 40, RemixesCount: 10,
	}, 30)
	cold := seedPost(t, st, &models.Post{AuthorID: "newbie", Title: "cold"}, 30)
	// A week old with no engagement sinks below both.
	stale := seedPost(t, st, &models.Post{AuthorID: "newbie", Title: "stale"}, 7*24*60)

	page, err := svc.Build(context.Background(), Request{Mode: ModeForYou})
	require.NoError(t, err)
	assert.Equal(t, []string{hot, cold, stale}, postIDs(page))
	assert.Greater(t, page.Items[0].Score, page.Items[1].Score)
	assert.Greater(t, page.Items[1].Score, page.Items[2].Score)
}

func TestBuildEnrichment(t *testing.T) {
	svc, st, _ := newTestFeed(t, Config{})
	seedUser(t, st, "author", func(u *models.User) { u.FollowersCount = 7 })
	seedUser(t, st, "viewer", nil)

	capsule := seedCapsule(t, st, "author")
	postID := seedPost(t, st, &models.Post{
		AuthorID:   "author",
		Title:      "demo",
		CapsuleID:  &capsule.ID,
		LikesCount: 3,
		RunsCount:  9,
	}, 1)

	_, err := st.CreateLike(context.Background(), "viewer", postID)
	require.NoError(t, err)
	_, err = st.CreateFollow(context.Background(), "viewer", "author")
	require.NoError(t, err)

	page, err := svc.Build(context.Background(), Request{ViewerID: "viewer"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	item := page.Items[0]

	require.NotNil(t, item.Author)
	assert.Equal(t, "author", item.Author.Handle)
	assert.Equal(t, int64(7), item.Author.FollowersCount)

	assert.Equal(t, int64(3), item.Stats.Likes)
	assert.Equal(t, int64(9), item.Stats.Runs)

	require.NotNil(t, item.Viewer)
	assert.True(t, item.Viewer.Liked)
	assert.True(t, item.Viewer.FollowingAuthor)

	require.NotNil(t, item.Capsule)
	assert.Equal(t, capsule.ID, item.Capsule.ID)
	assert.Equal(t, "capsules/cafebabe/index.html", item.Capsule.BundleKey)
	assert.Equal(t, "index.html", item.Capsule.Entry)
	assert.Empty(t, item.Capsule.ArtifactID)
}

func TestBuildAnonymousViewerContext(t *testing.T) {
	svc, st, _ := newTestFeed(t, Config{})
	seedUser(t, st, "author", nil)
	seedPost(t, st, &models.Post{AuthorID: "author", Title: "x"}, 1)

	page, err := svc.Build(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Nil(t, page.Items[0].Viewer)
}

func TestBuildQuarantinedCapsuleHidden(t *testing.T) {
	svc, st, _ := newTestFeed(t, Config{})
	seedUser(t, st, "author", nil)
	capsule := seedCapsule(t, st, "author")
	seedPost(t, st, &models.Post{AuthorID: "author", Title: "demo", CapsuleID: &capsule.ID}, 1)

	require.NoError(t, st.SetCapsuleQuarantined(context.Background(), capsule.ID, true))

	page, err := svc.Build(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Nil(t, page.Items[0].Capsule, "quarantined capsule must not be playable")
}

func TestBuildResolvesArtifactWhenEnabled(t *testing.T) {
	svc, st, cache := newTestFeed(t, Config{RuntimeArtifactsEnabled: true})
	ctx := context.Background()
	seedUser(t, st, "author", nil)

	capsule := seedCapsule(t, st, "author")
	seedPost(t, st, &models.Post{AuthorID: "author", Title: "demo", CapsuleID: &capsule.ID}, 1)

	artifactID, err := st.CreateArtifact(ctx, &models.Artifact{
		OwnerID:   "author",
		CapsuleID: capsule.ID,
		Type:      string(models.RuntimeHTML),
		Status:    string(models.ArtifactActive),
	})
	require.NoError(t, err)

	page, err := svc.Build(ctx, Request{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotNil(t, page.Items[0].Capsule)
	assert.Equal(t, artifactID, page.Items[0].Capsule.ArtifactID)
	assert.Empty(t, page.Items[0].Capsule.BundleKey)

	// Resolution is memoized.
	cached, err := cache.Get(ctx, artifactCacheKey(capsule.ID))
	require.NoError(t, err)
	assert.Equal(t, artifactID, string(cached))
}

func TestBuildDraftArtifactFallsBackToBundle(t *testing.T) {
	svc, st, cache := newTestFeed(t, Config{RuntimeArtifactsEnabled: true})
	ctx := context.Background()
	seedUser(t, st, "author", nil)

	capsule := seedCapsule(t, st, "author")
	seedPost(t, st, &models.Post{AuthorID: "author", Title: "demo", CapsuleID: &capsule.ID}, 1)

	_, err := st.CreateArtifact(ctx, &models.Artifact{
		OwnerID:   "author",
		CapsuleID: capsule.ID,
		Type:      string(models.RuntimeHTML),
		Status:    string(models.ArtifactDraft),
	})
	require.NoError(t, err)

	page, err := svc.Build(ctx, Request{})
	require.NoError(t, err)
	require.NotNil(t, page.Items[0].Capsule)
	assert.Empty(t, page.Items[0].Capsule.ArtifactID)
	assert.Equal(t, "capsules/cafebabe/index.html", page.Items[0].Capsule.BundleKey)

	_, err = cache.Get(ctx, artifactCacheKey(capsule.ID))
	assert.ErrorIs(t, err, kvcache.ErrNotFound)
}

func TestComputeForYouScoreSignals(t *testing.T) {
	now := time.Now().Unix()
	base := ComputeForYouScore(now-3600, now, Engagement{}, 0, false, models.PlanFree, false)

	fresher := ComputeForYouScore(now-60, now, Engagement{}, 0, false, models.PlanFree, false)
	assert.Greater(t, fresher, base, "newer posts rank higher")

	engaged := ComputeForYouScore(now-3600, now, Engagement{Likes: 50, Runs: 100}, 0, false, models.PlanFree, false)
	assert.Greater(t, engaged, base, "engagement lifts the score")

	popular := ComputeForYouScore(now-3600, now, Engagement{}, 10_000, false, models.PlanFree, false)
	assert.Greater(t, popular, base, "followers lift the score")

	featured := ComputeForYouScore(now-3600, now, Engagement{}, 0, true, models.PlanFree, false)
	assert.Greater(t, featured, base, "featured authors get a boost")

	pro := ComputeForYouScore(now-3600, now, Engagement{}, 100, true, models.PlanPro, false)
	free := ComputeForYouScore(now-3600, now, Engagement{}, 100, true, models.PlanFree, false)
	assert.Greater(t, pro, free, "plan boost multiplies the author prior")

	withCapsule := ComputeForYouScore(now-3600, now, Engagement{}, 0, false, models.PlanFree, true)
	assert.InDelta(t, base+capsuleBonus, withCapsule, 1e-9)

	weekOld := ComputeForYouScore(now-7*24*3600, now, Engagement{}, 0, false, models.PlanFree, false)
	assert.Less(t, weekOld, base, "stale posts decay")
}
