package runs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
	"github.com/capsulehub/capsuled/pkg/telemetry"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.GORMStore, *telemetry.RecordingSink) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	sink := telemetry.NewRecordingSink()
	return NewManager(st, nil, sink, cfg), st, sink
}

func seedUserAndCapsule(t *testing.T, st *store.GORMStore, userID string) string {
	t.Helper()
	ctx := context.Background()
	_, err := st.EnsureUser(ctx, &models.User{ID: userID, Handle: userID})
	require.NoError(t, err)
	capsule := &models.Capsule{ID: uuid.NewString(), OwnerID: userID, ManifestJSON: "{}", ContentHash: "h"}
	require.NoError(t, st.CreateCapsule(ctx, capsule, nil))
	return capsule.ID
}

func TestConfigClamps(t *testing.T) {
	cfg := Config{MaxConcurrentActive: 99, SessionMaxMs: 5}.normalized()
	assert.Equal(t, MaxConcurrentActive, cfg.MaxConcurrentActive)
	assert.Equal(t, MinSessionMaxMs, cfg.SessionMaxMs)

	cfg = Config{}.normalized()
	assert.Equal(t, DefaultMaxConcurrentActive, cfg.MaxConcurrentActive)
	assert.Equal(t, DefaultSessionMaxMs, cfg.SessionMaxMs)
}

func TestStartRunHappyPath(t *testing.T) {
	m, st, sink := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	result, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, "r1", result.Run.ID)
	assert.Equal(t, string(models.RunStarted), result.Run.Status)
	assert.Len(t, sink.Named("run_start"), 1)
}

func TestStartRunIdempotent(t *testing.T) {
	m, st, sink := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	first, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Run.ID, second.Run.ID)
	assert.Len(t, sink.Named("run_start"), 1, "replay does not re-count")
}

func TestStartRunForeignRunIDForbidden(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")
	seedUserAndCapsule(t, st, "u2")

	_, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)

	_, err = m.Start(ctx, "u2", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestStartRunActiveLimit(t *testing.T) {
	m, st, _ := newTestManager(t, Config{MaxConcurrentActive: 2})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	for i := 0; i < 2; i++ {
		_, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID})
		require.NoError(t, err)
	}

	_, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID})
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, CodeActiveLimit, qerr.Code)
	assert.Equal(t, int64(2), qerr.ActiveRuns)
}

func TestStartRunMonthlyQuota(t *testing.T) {
	m, st, _ := newTestManager(t, Config{MaxConcurrentActive: 10})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	// Backfill completed runs past the free plan's monthly cap.
	limits := models.PlanFree.Limits()
	over := int64(limits.MaxRuns) + 1000
	seeded := make([]models.Run, 0, over)
	for i := int64(0); i < over; i++ {
		seeded = append(seeded, models.Run{
			ID:        "seed-" + uuid.NewString(),
			CapsuleID: capsuleID,
			UserID:    "u1",
			Status:    string(models.RunCompleted),
			StartedAt: time.Now(),
		})
	}
	require.NoError(t, st.DB().CreateInBatches(&seeded, 500).Error)

	_, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID})
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, CodeRunQuota, qerr.Code)
	assert.Equal(t, "free", qerr.Plan)
	assert.Equal(t, limits.MaxRuns, qerr.Limits.MaxRuns)
	assert.Equal(t, over, qerr.RunsThisMonth)
	assert.Greater(t, qerr.PercentUsed, 100.0)
}

func TestCompleteRunHappyPath(t *testing.T) {
	m, st, sink := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	started, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)

	duration := int64(1500)
	run, err := m.Complete(ctx, "u1", CompleteInput{
		RunID:      started.Run.ID,
		CapsuleID:  capsuleID,
		DurationMs: &duration,
	})
	require.NoError(t, err)
	assert.Equal(t, string(models.RunCompleted), run.Status)
	require.NotNil(t, run.DurationMs)
	assert.Equal(t, duration, *run.DurationMs)
	assert.Len(t, sink.Named("run_complete"), 1)
}

func TestCompleteRunCapsuleMismatch(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	started, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)

	_, err = m.Complete(ctx, "u1", CompleteInput{RunID: started.Run.ID, CapsuleID: "other-capsule"})
	assert.ErrorIs(t, err, models.ErrCapsuleMismatch)

	// The run was marked failed with the mismatch reason.
	run, err := st.GetRun(ctx, started.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RunFailed), run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "capsule_mismatch", *run.ErrorMessage)
}

func TestCompleteRunPostMismatch(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	postID := "p1"
	started, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1", PostID: &postID})
	require.NoError(t, err)

	wrong := "p2"
	_, err = m.Complete(ctx, "u1", CompleteInput{RunID: started.Run.ID, CapsuleID: capsuleID, PostID: &wrong})
	assert.ErrorIs(t, err, models.ErrPostMismatch)
}

func TestCompleteRunBudgetExceeded(t *testing.T) {
	m, st, sink := newTestManager(t, Config{SessionMaxMs: 5000})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	started, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r-long"})
	require.NoError(t, err)

	duration := int64(20000)
	_, err = m.Complete(ctx, "u1", CompleteInput{
		RunID:      started.Run.ID,
		CapsuleID:  capsuleID,
		DurationMs: &duration,
	})
	assert.ErrorIs(t, err, models.ErrRunBudgetExceeded)

	// Duration capped to the budget, status failed with the kill reason.
	run, err := st.GetRun(ctx, started.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RunFailed), run.Status)
	require.NotNil(t, run.DurationMs)
	assert.Equal(t, int64(5000), *run.DurationMs)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "runtime_budget_exceeded", *run.ErrorMessage)

	points := sink.Named("run_complete")
	require.Len(t, points, 1)
	assert.Contains(t, points[0].Blobs, "killed")
}

func TestCompleteRunOwnerMismatch(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")
	seedUserAndCapsule(t, st, "u2")

	started, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)

	_, err = m.Complete(ctx, "u2", CompleteInput{RunID: started.Run.ID, CapsuleID: capsuleID})
	assert.ErrorIs(t, err, models.ErrRunOwnerMismatch)
}

func TestAppendLogs(t *testing.T) {
	m, st, sink := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")

	started, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)

	accepted, err := m.AppendLogs(ctx, "u1", started.Run.ID, []models.RunLogEntry{
		{Level: "info", Message: "hello", Source: "player"},
		{Level: "bogus", Message: strings.Repeat("x", 600), Source: "nowhere"},
		{Level: "warn", Message: "", Source: "preview"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, accepted, "empty message dropped")

	points := sink.Named("run_log")
	require.Len(t, points, 2)
	// Bogus level and source were normalized, message truncated.
	assert.Contains(t, points[1].Blobs, "log")
	assert.Contains(t, points[1].Blobs, "player")
	assert.Equal(t, float64(MaxLogMessageLength), points[1].Doubles[0])
}

func TestAppendLogsBeforeRunExists(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	accepted, err := m.AppendLogs(context.Background(), "u1", "future-run", []models.RunLogEntry{
		{Level: "log", Message: "early", Source: "preview"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
}

func TestAppendLogsForeignRunRejected(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	ctx := context.Background()
	capsuleID := seedUserAndCapsule(t, st, "u1")
	seedUserAndCapsule(t, st, "u2")

	started, err := m.Start(ctx, "u1", StartInput{CapsuleID: capsuleID, RunID: "r1"})
	require.NoError(t, err)

	_, err = m.AppendLogs(ctx, "u2", started.Run.ID, []models.RunLogEntry{
		{Level: "log", Message: "sneaky", Source: "player"},
	})
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestAppendLogsTooMany(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	entries := make([]models.RunLogEntry, MaxLogEntries+1)
	for i := range entries {
		entries[i] = models.RunLogEntry{Level: "log", Message: "m", Source: "player"}
	}
	_, err := m.AppendLogs(context.Background(), "u1", "r1", entries)
	assert.Error(t, err)
}
