package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/shard"
	"github.com/capsulehub/capsuled/pkg/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, *store.GORMStore) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	return New(st, nil, nil, nil, 0), st
}

func seedUser(t *testing.T, st *store.GORMStore, id string) {
	t.Helper()
	_, err := st.EnsureUser(context.Background(), &models.User{ID: id, Handle: id})
	require.NoError(t, err)
}

func seedCapsule(t *testing.T, st *store.GORMStore, ownerID string) *models.Capsule {
	t.Helper()
	capsule := &models.Capsule{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		ManifestJSON: `{"version":"1.0","runner":"client-static","entry":"index.html"}`,
		ContentHash:  uuid.NewString(),
	}
	require.NoError(t, st.CreateCapsule(context.Background(), capsule, nil))
	return capsule
}

func TestUserCounterDrift(t *testing.T) {
	user := &models.User{FollowersCount: 5, FollowingCount: 2, PostsCount: 1, RunsCount: 10, RemixesCount: 0}

	drift := UserCounterDrift(user, UserTruth{Followers: 5, Following: 2, Posts: 1, Runs: 10, Remixes: 0})
	assert.Empty(t, drift, "matching counters produce no drift")

	drift = UserCounterDrift(user, UserTruth{Followers: 7, Following: 2, Posts: 1, Runs: 10, Remixes: 3})
	assert.Equal(t, map[string]int64{"followers_count": 7, "remixes_count": 3}, drift)
}

func TestPostCounterDrift(t *testing.T) {
	post := &models.Post{LikesCount: 4, CommentsCount: 1}

	drift := PostCounterDrift(post, PostTruth{Likes: 4, Comments: 1})
	assert.Empty(t, drift)

	drift = PostCounterDrift(post, PostTruth{Likes: 3, Comments: 1, Runs: 9})
	assert.Equal(t, map[string]int64{"likes_count": 3, "runs_count": 9}, drift)
}

func TestSweepCorrectsUserCounters(t *testing.T) {
	sweeper, st := newTestSweeper(t)
	ctx := context.Background()

	seedUser(t, st, "alice")
	seedUser(t, st, "bob")
	seedUser(t, st, "carol")

	// Ground truth: two followers, one post, one run.
	_, err := st.CreateFollow(ctx, "bob", "alice")
	require.NoError(t, err)
	_, err = st.CreateFollow(ctx, "carol", "alice")
	require.NoError(t, err)
	_, err = st.CreatePost(ctx, &models.Post{ID: uuid.NewString(), AuthorID: "alice", Title: "p"})
	require.NoError(t, err)
	capsule := seedCapsule(t, st, "alice")
	_, err = st.CreateRun(ctx, &models.Run{ID: uuid.NewString(), UserID: "alice", CapsuleID: capsule.ID})
	require.NoError(t, err)

	// Denormalized columns drifted.
	require.NoError(t, st.DB().Exec(
		"UPDATE users SET followers_count = 99, posts_count = 0, runs_count = 50 WHERE id = 'alice'").Error)

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.UsersChecked)
	assert.GreaterOrEqual(t, report.UsersCorrected, 1)

	alice, err := st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), alice.FollowersCount)
	assert.Equal(t, int64(1), alice.PostsCount)
	assert.Equal(t, int64(1), alice.RunsCount)

	// A clean second sweep corrects nothing.
	report, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.UsersCorrected)
	assert.Zero(t, report.PostsCorrected)
}

func TestSweepCreditsRemixToChildOwner(t *testing.T) {
	sweeper, st := newTestSweeper(t)
	ctx := context.Background()

	seedUser(t, st, "original")
	seedUser(t, st, "remixer")

	parent := seedCapsule(t, st, "original")
	child := seedCapsule(t, st, "remixer")
	require.NoError(t, st.CreateRemixEdge(ctx, child.ID, parent.ID))

	_, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)

	remixer, err := st.GetUser(ctx, "remixer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remixer.RemixesCount, "the remixer gets the credit")

	original, err := st.GetUser(ctx, "original")
	require.NoError(t, err)
	assert.Zero(t, original.RemixesCount)
}

func TestSweepCorrectsPostCounters(t *testing.T) {
	sweeper, st := newTestSweeper(t)
	ctx := context.Background()

	seedUser(t, st, "alice")
	seedUser(t, st, "bob")

	capsule := seedCapsule(t, st, "alice")
	postID := uuid.NewString()
	_, err := st.CreatePost(ctx, &models.Post{ID: postID, AuthorID: "alice", Title: "p", CapsuleID: &capsule.ID})
	require.NoError(t, err)

	_, err = st.CreateLike(ctx, "bob", postID)
	require.NoError(t, err)
	_, err = st.CreateComment(ctx, &models.Comment{ID: uuid.NewString(), PostID: postID, AuthorID: "bob", Body: "nice"})
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, &models.Run{ID: uuid.NewString(), UserID: "bob", CapsuleID: capsule.ID, PostID: &postID})
	require.NoError(t, err)

	child := seedCapsule(t, st, "bob")
	require.NoError(t, st.CreateRemixEdge(ctx, child.ID, capsule.ID))

	require.NoError(t, st.DB().Exec(
		"UPDATE posts SET likes_count = 40, comments_count = 0, runs_count = 0, remixes_count = 9 WHERE id = ?", postID).Error)

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.PostsCorrected, 1)

	post, err := st.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), post.LikesCount)
	assert.Equal(t, int64(1), post.CommentsCount)
	assert.Equal(t, int64(1), post.RunsCount)
	assert.Equal(t, int64(1), post.RemixesCount)
}

// racingCounterStore bumps a post counter between the sweeper's row read
// and its overwrite, simulating a counter-shard flush landing mid-sweep.
type racingCounterStore struct {
	*store.GORMStore
	postID string
	raced  bool
}

func (r *racingCounterStore) CountLikes(ctx context.Context, postID string) (int64, error) {
	if !r.raced {
		r.raced = true
		if err := r.GORMStore.ApplyPostCounterDelta(ctx, r.postID, "likes_count", 1); err != nil {
			return 0, err
		}
	}
	return r.GORMStore.CountLikes(ctx, postID)
}

func TestSweepSkipsCountersOnMidSweepWrite(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)
	ctx := context.Background()

	seedUser(t, st, "alice")
	postID := uuid.NewString()
	_, err = st.CreatePost(ctx, &models.Post{ID: postID, AuthorID: "alice", Title: "p"})
	require.NoError(t, err)
	require.NoError(t, st.DB().Exec(
		"UPDATE posts SET likes_count = 40 WHERE id = ?", postID).Error)

	racing := &racingCounterStore{GORMStore: st, postID: postID}
	sweeper := New(racing, nil, nil, nil, 0)

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PostsCorrected)
	assert.Equal(t, 1, report.PostsSkipped)

	// The flush that raced in stays; the next sweep reconciles from there.
	post, err := st.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, int64(41), post.LikesCount)
}

func TestSweepCorrectsStorageUsage(t *testing.T) {
	sweeper, st := newTestSweeper(t)
	ctx := context.Background()

	seedUser(t, st, "alice")
	capsule := &models.Capsule{
		ID:           uuid.NewString(),
		OwnerID:      "alice",
		ManifestJSON: `{"version":"1.0","runner":"client-static","entry":"index.html"}`,
		ContentHash:  "h",
	}
	assets := []*models.Asset{
		{ID: uuid.NewString(), Key: "index.html", Size: 1000},
		{ID: uuid.NewString(), Key: "app.js", Size: 2000},
	}
	require.NoError(t, st.CreateCapsule(ctx, capsule, assets))

	// A leaked reservation left the column too high.
	require.NoError(t, st.DB().Exec(
		"UPDATE users SET storage_usage_bytes = 50000 WHERE id = 'alice'").Error)

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StorageCorrected)

	alice, err := st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), alice.StorageUsageBytes)
}

// racingStore moves the storage version between the sweeper's read and
// its overwrite, simulating an upload landing mid-sweep.
type racingStore struct {
	*store.GORMStore
	raced bool
}

func (r *racingStore) OwnerAssetTotal(ctx context.Context, ownerID string) (int64, error) {
	if !r.raced {
		r.raced = true
		if err := r.GORMStore.ReserveStorage(ctx, ownerID, 10, 1<<40); err != nil {
			return 0, err
		}
	}
	return r.GORMStore.OwnerAssetTotal(ctx, ownerID)
}

func TestSweepSkipsStorageOnVersionRace(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)
	ctx := context.Background()
	seedUser(t, st, "alice")

	require.NoError(t, st.DB().Exec(
		"UPDATE users SET storage_usage_bytes = 777 WHERE id = 'alice'").Error)

	racing := &racingStore{GORMStore: st}
	sweeper := New(racing, nil, nil, nil, 0)

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.StorageCorrected)
	assert.Equal(t, 1, report.StorageSkipped)
}

func TestSweepPrunesRateLimitWindows(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)
	ctx := context.Background()

	nowMs := time.Now().UnixMilli()
	_, _, err = st.TakeProxyToken(ctx, "u1:api.github.com", nowMs-10_000, nowMs-5_000)
	require.NoError(t, err)

	limiter := shard.NewRateLimiter()
	limiter.Take("u1:api.github.com", 10, time.Millisecond, 1)
	limiter.SetNow(func() time.Time { return time.Now().Add(time.Minute) })

	sweeper := New(st, limiter, nil, nil, 0)
	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ProxyWindowsPruned)
	assert.Equal(t, 1, report.LimiterPruned)
}

func TestSweeperLifecycle(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)

	sweeper := New(st, nil, nil, nil, 50*time.Millisecond)
	sweeper.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	sweeper.Stop()
}
