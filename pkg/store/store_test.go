package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulehub/capsuled/pkg/models"
)

func newTestStore(t *testing.T) *GORMStore {
	t.Helper()
	st, err := NewMemory()
	require.NoError(t, err)
	return st
}

func TestEnsureUser_CreatesWithDefaults(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	user, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Handle, "handle is normalized")
	assert.Equal(t, string(models.PlanFree), user.Plan)

	// Second sighting of the same subject returns the existing row.
	again, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "somebody-else", Plan: "pro"})
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Handle)
	assert.Equal(t, string(models.PlanFree), again.Plan)
}

func TestEnsureUser_DuplicateHandle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)

	_, err = st.EnsureUser(ctx, &models.User{ID: "u2", Handle: "Alice"})
	assert.ErrorIs(t, err, models.ErrDuplicateHandle)
}

func TestReserveStorage_ChargesAndBumpsVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)

	require.NoError(t, st.ReserveStorage(ctx, "u1", 1000, 5000))
	require.NoError(t, st.ReserveStorage(ctx, "u1", 2000, 5000))

	user, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), user.StorageUsageBytes)
	assert.Equal(t, int64(2), user.StorageVersion)
}

func TestReserveStorage_QuotaExceededLeavesUsageUntouched(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)
	require.NoError(t, st.ReserveStorage(ctx, "u1", 4000, 5000))

	err = st.ReserveStorage(ctx, "u1", 2000, 5000)
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)

	user, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), user.StorageUsageBytes)
	assert.Equal(t, int64(1), user.StorageVersion)
}

func TestReleaseStorage_ClampsAtZero(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)
	require.NoError(t, st.ReserveStorage(ctx, "u1", 1000, 5000))

	require.NoError(t, st.ReleaseStorage(ctx, "u1", 9999))

	user, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), user.StorageUsageBytes)

	assert.ErrorIs(t, st.ReleaseStorage(ctx, "missing", 1), models.ErrUserNotFound)
}

func TestOverwriteStorageUsage_VersionGuard(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)
	require.NoError(t, st.ReserveStorage(ctx, "u1", 1000, 5000))

	// Stale version loses the race and writes nothing.
	ok, err := st.OverwriteStorageUsage(ctx, "u1", 42, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.OverwriteStorageUsage(ctx, "u1", 42, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	user, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.StorageUsageBytes)
	assert.Equal(t, int64(2), user.StorageVersion)
}

func TestOverwriteUserCounters_GuardedOnCurrentValues(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)
	require.NoError(t, st.ApplyUserCounterDelta(ctx, "u1", "followers_count", 3))

	// A stale guard loses the race and writes nothing.
	ok, err := st.OverwriteUserCounters(ctx, "u1",
		map[string]int64{"followers_count": 7},
		map[string]int64{"followers_count": 0})
	require.NoError(t, err)
	assert.False(t, ok)

	user, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), user.FollowersCount)

	ok, err = st.OverwriteUserCounters(ctx, "u1",
		map[string]int64{"followers_count": 7},
		map[string]int64{"followers_count": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	user, err = st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.FollowersCount)
}

func TestOverwritePostCounters_GuardedOnCurrentValues(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)
	_, err = st.CreatePost(ctx, &models.Post{ID: "p1", AuthorID: "u1", Title: "p"})
	require.NoError(t, err)
	require.NoError(t, st.ApplyPostCounterDelta(ctx, "p1", "likes_count", 2))

	ok, err := st.OverwritePostCounters(ctx, "p1",
		map[string]int64{"likes_count": 5},
		map[string]int64{"likes_count": 0})
	require.NoError(t, err)
	assert.False(t, ok)

	post, err := st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), post.LikesCount)

	ok, err = st.OverwritePostCounters(ctx, "p1",
		map[string]int64{"likes_count": 5},
		map[string]int64{"likes_count": 2})
	require.NoError(t, err)
	assert.True(t, ok)

	post, err = st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), post.LikesCount)
}

func TestApplyUserCounterDelta_ClampsAtZero(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)

	require.NoError(t, st.ApplyUserCounterDelta(ctx, "u1", "followers_count", 3))
	require.NoError(t, st.ApplyUserCounterDelta(ctx, "u1", "followers_count", -10))

	user, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), user.FollowersCount)

	assert.Error(t, st.ApplyUserCounterDelta(ctx, "u1", "storage_usage_bytes", 1),
		"non-counter columns are rejected")

	// Missing rows are a no-op; the owner may be gone by flush time.
	assert.NoError(t, st.ApplyUserCounterDelta(ctx, "missing", "followers_count", 1))
}

func TestInsertRuntimeEvents_IdempotentOnID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	first := []*models.RuntimeEvent{
		{ID: "e1", EventName: "runtime_killed", CapsuleID: "c1", CreatedAt: now},
		{ID: "e2", EventName: "runtime_policy_violation", CapsuleID: "c1", CreatedAt: now},
	}
	inserted, err := st.InsertRuntimeEvents(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	// Replaying a partially landed batch only inserts the new row.
	replay := append(first, &models.RuntimeEvent{ID: "e3", EventName: "runtime_killed", CapsuleID: "c1", CreatedAt: now})
	inserted, err = st.InsertRuntimeEvents(ctx, replay)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	events, err := st.ListRuntimeEvents(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestSetModerationFlags(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, &models.User{ID: "u1", Handle: "alice"})
	require.NoError(t, err)

	require.NoError(t, st.SetModerationFlags(ctx, "u1", true, true))

	user, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, user.Suspended)
	assert.True(t, user.ShadowBanned)

	require.NoError(t, st.SetModerationFlags(ctx, "u1", false, false))
	user, err = st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, user.Suspended)

	assert.ErrorIs(t, st.SetModerationFlags(ctx, "missing", true, false), models.ErrUserNotFound)
}
