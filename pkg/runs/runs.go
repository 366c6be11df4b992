// Package runs enforces run quotas and drives the run session
// lifecycle: start, complete, and sandbox log ingestion.
package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	itelemetry "github.com/capsulehub/capsuled/internal/telemetry"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/shard"
	"github.com/capsulehub/capsuled/pkg/telemetry"
	"github.com/google/uuid"
)

// Session limit bounds. Environment overrides are clamped into these
// ranges.
const (
	DefaultMaxConcurrentActive = 2
	MinConcurrentActive        = 1
	MaxConcurrentActive        = 10

	DefaultSessionMaxMs = int64(60000)
	MinSessionMaxMs     = int64(1000)
	MaxSessionMaxMs     = int64(300000)

	// minActiveWindow floors the sliding window used to count active
	// runs.
	minActiveWindow = 120 * time.Second

	// MaxLogEntries bounds one appendRunLogs call.
	MaxLogEntries = 25

	// MaxLogMessageLength truncates one log line.
	MaxLogMessageLength = 500
)

// Store is the relational surface the manager needs. Implemented by
// store.GORMStore.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetCapsule(ctx context.Context, id string) (*models.Capsule, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	CreateRun(ctx context.Context, run *models.Run) (bool, error)
	CompleteRun(ctx context.Context, id string, status models.RunStatus, durationMs int64, errorMessage string) (bool, error)
	CountActiveRuns(ctx context.Context, userID string, window time.Duration) (int64, error)
	CountRunsSince(ctx context.Context, userID string, since time.Time) (int64, error)
	ValidateRunOwnership(ctx context.Context, run *models.Run, userID, capsuleID string, postID *string) error
}

// Counters is the async counter surface. Implemented by
// shard.CounterShard.
type Counters interface {
	Add(ctx context.Context, d shard.CounterDelta) error
}

// Config tunes the manager. Zero values take defaults; out-of-range
// values are clamped.
type Config struct {
	MaxConcurrentActive int
	SessionMaxMs        int64
}

func (c Config) normalized() Config {
	if c.MaxConcurrentActive == 0 {
		c.MaxConcurrentActive = DefaultMaxConcurrentActive
	}
	if c.MaxConcurrentActive < MinConcurrentActive {
		c.MaxConcurrentActive = MinConcurrentActive
	}
	if c.MaxConcurrentActive > MaxConcurrentActive {
		c.MaxConcurrentActive = MaxConcurrentActive
	}
	if c.SessionMaxMs == 0 {
		c.SessionMaxMs = DefaultSessionMaxMs
	}
	if c.SessionMaxMs < MinSessionMaxMs {
		c.SessionMaxMs = MinSessionMaxMs
	}
	if c.SessionMaxMs > MaxSessionMaxMs {
		c.SessionMaxMs = MaxSessionMaxMs
	}
	return c
}

// QuotaError reports a quota rejection with the full plan/usage payload
// the client renders.
type QuotaError struct {
	Code          string            `json:"code"`
	Plan          string            `json:"plan"`
	Limits        models.PlanLimits `json:"limits"`
	RunsThisMonth int64             `json:"runsThisMonth"`
	ActiveRuns    int64             `json:"activeRuns,omitempty"`
	PercentUsed   float64           `json:"percentUsed"`
}

// Quota error codes.
const (
	CodeActiveLimit = "ACTIVE_LIMIT"
	CodeRunQuota    = "RUN_QUOTA_EXCEEDED"
)

func (e *QuotaError) Error() string {
	return fmt.Sprintf("run quota rejected: %s (plan %s)", e.Code, e.Plan)
}

// Manager enforces run quotas and session lifecycle invariants.
type Manager struct {
	store     Store
	counters  Counters
	analytics telemetry.Sink
	cfg       Config

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager creates a run session manager. Counters and analytics may
// be nil.
func NewManager(store Store, counters Counters, analytics telemetry.Sink, cfg Config) *Manager {
	if analytics == nil {
		analytics = telemetry.NopSink{}
	}
	return &Manager{
		store:     store,
		counters:  counters,
		analytics: analytics,
		cfg:       cfg.normalized(),
		now:       time.Now,
	}
}

// SetNow overrides the clock. Test helper.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// SessionMaxMs returns the effective per-session wall clock budget.
func (m *Manager) SessionMaxMs() int64 {
	return m.cfg.SessionMaxMs
}

// activeWindow is how far back a started-but-never-completed run still
// occupies a concurrency slot: at least two minutes, and at least twice
// the session budget.
func (m *Manager) activeWindow() time.Duration {
	budget := time.Duration((m.cfg.SessionMaxMs+999)/1000) * time.Second * 2
	if budget < minActiveWindow {
		return minActiveWindow
	}
	return budget
}

// StartInput is one startRun request.
type StartInput struct {
	CapsuleID  string  `json:"capsuleId"`
	PostID     *string `json:"postId,omitempty"`
	RunID      string  `json:"runId,omitempty"`
	ArtifactID string  `json:"artifactId,omitempty"`
}

// StartResult reports the run row and whether this call created it.
type StartResult struct {
	Run     *models.Run `json:"run"`
	Created bool        `json:"created"`
}

// Start begins a run session. A client-supplied run id makes the call
// idempotent: replaying it returns the original row without recounting
// quota. Rejections carry a QuotaError with the full plan payload.
func (m *Manager) Start(ctx context.Context, userID string, input StartInput) (*StartResult, error) {
	ctx, span := itelemetry.StartSpan(ctx, itelemetry.SpanRunStart)
	defer span.End()
	itelemetry.SetAttributes(ctx, itelemetry.UserID(userID), itelemetry.CapsuleID(input.CapsuleID))

	if input.RunID != "" {
		existing, err := m.store.GetRun(ctx, input.RunID)
		if err == nil {
			if existing.UserID != userID {
				return nil, models.ErrForbidden
			}
			return &StartResult{Run: existing, Created: false}, nil
		}
	}

	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetCapsule(ctx, input.CapsuleID); err != nil {
		return nil, err
	}

	plan := user.GetPlan()
	limits := plan.Limits()

	active, err := m.store.CountActiveRuns(ctx, userID, m.activeWindow())
	if err != nil {
		return nil, err
	}
	if active >= int64(m.cfg.MaxConcurrentActive) {
		return nil, &QuotaError{
			Code:       CodeActiveLimit,
			Plan:       string(plan),
			Limits:     limits,
			ActiveRuns: active,
		}
	}

	monthStart := startOfMonth(m.now())
	runsThisMonth, err := m.store.CountRunsSince(ctx, userID, monthStart)
	if err != nil {
		return nil, err
	}
	if runsThisMonth >= int64(limits.MaxRuns) {
		return nil, &QuotaError{
			Code:          CodeRunQuota,
			Plan:          string(plan),
			Limits:        limits,
			RunsThisMonth: runsThisMonth,
			PercentUsed:   percent(runsThisMonth, int64(limits.MaxRuns)),
		}
	}

	run := &models.Run{
		ID:        input.RunID,
		CapsuleID: input.CapsuleID,
		PostID:    input.PostID,
		UserID:    userID,
		Status:    string(models.RunStarted),
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	created, err := m.store.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if created {
		if run.UserID != userID {
			// Unlikely: the id raced with another user's insert.
			return nil, models.ErrForbidden
		}
		m.bumpCounters(ctx, run)
		m.analytics.Track(ctx, telemetry.Point{
			Name:    "run_start",
			Blobs:   []string{userID, run.CapsuleID, run.ID},
			Doubles: []float64{float64(runsThisMonth + 1)},
			Indexes: []string{userID},
		})
	} else if run.UserID != userID {
		return nil, models.ErrForbidden
	}

	return &StartResult{Run: run, Created: created}, nil
}

func (m *Manager) bumpCounters(ctx context.Context, run *models.Run) {
	if m.counters == nil {
		return
	}
	deltas := []shard.CounterDelta{
		{Entity: shard.EntityUser, ID: run.UserID, Column: "runs_count", Delta: 1},
	}
	if run.PostID != nil {
		deltas = append(deltas, shard.CounterDelta{
			Entity: shard.EntityPost, ID: *run.PostID, Column: "runs_count", Delta: 1,
		})
	}
	for _, d := range deltas {
		if err := m.counters.Add(ctx, d); err != nil {
			logger.WarnCtx(ctx, "run counter enqueue failed",
				logger.KeyRunID, run.ID,
				logger.KeyError, err.Error(),
			)
		}
	}
}

// CompleteInput is one completeRun request.
type CompleteInput struct {
	RunID        string  `json:"runId"`
	CapsuleID    string  `json:"capsuleId"`
	PostID       *string `json:"postId,omitempty"`
	DurationMs   *int64  `json:"durationMs,omitempty"`
	Status       string  `json:"status,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

// Complete finalizes a run. Identity mismatches mark the run failed and
// surface typed errors; a duration over the session budget caps the
// stored duration and fails the run with runtime_budget_exceeded.
func (m *Manager) Complete(ctx context.Context, userID string, input CompleteInput) (*models.Run, error) {
	ctx, span := itelemetry.StartSpan(ctx, itelemetry.SpanRunComplete)
	defer span.End()
	itelemetry.SetAttributes(ctx, itelemetry.RunID(input.RunID))

	run, err := m.store.GetRun(ctx, input.RunID)
	if err != nil {
		return nil, err
	}

	if err := m.store.ValidateRunOwnership(ctx, run, userID, input.CapsuleID, input.PostID); err != nil {
		switch err {
		case models.ErrCapsuleMismatch:
			m.failRun(ctx, run, "capsule_mismatch")
		case models.ErrPostMismatch:
			m.failRun(ctx, run, "post_mismatch")
		}
		return nil, err
	}

	durationMs := m.now().Sub(run.StartedAt).Milliseconds()
	if input.DurationMs != nil {
		durationMs = *input.DurationMs
		if durationMs < 0 {
			durationMs = 0
		}
	}

	if durationMs > m.cfg.SessionMaxMs {
		durationMs = m.cfg.SessionMaxMs
		if _, err := m.store.CompleteRun(ctx, run.ID, models.RunFailed, durationMs, "runtime_budget_exceeded"); err != nil {
			return nil, err
		}
		m.analytics.Track(ctx, telemetry.Point{
			Name:    "run_complete",
			Blobs:   []string{userID, run.CapsuleID, run.ID, "killed"},
			Doubles: []float64{float64(durationMs)},
			Indexes: []string{userID},
		})
		return nil, models.ErrRunBudgetExceeded
	}

	status := models.RunCompleted
	if input.Status != "" {
		parsed, ok := models.ParseRunStatus(input.Status)
		if !ok || parsed == models.RunStarted {
			return nil, fmt.Errorf("invalid run status %q", input.Status)
		}
		status = parsed
	}

	if _, err := m.store.CompleteRun(ctx, run.ID, status, durationMs, input.ErrorMessage); err != nil {
		return nil, err
	}
	m.analytics.Track(ctx, telemetry.Point{
		Name:    "run_complete",
		Blobs:   []string{userID, run.CapsuleID, run.ID, string(status)},
		Doubles: []float64{float64(durationMs)},
		Indexes: []string{userID},
	})

	return m.store.GetRun(ctx, run.ID)
}

// failRun marks a run failed after an identity mismatch. Best-effort;
// the typed error is returned to the caller regardless.
func (m *Manager) failRun(ctx context.Context, run *models.Run, reason string) {
	if _, err := m.store.CompleteRun(ctx, run.ID, models.RunFailed, 0, reason); err != nil {
		logger.WarnCtx(ctx, "run mismatch finalize failed",
			logger.KeyRunID, run.ID,
			logger.KeyError, err.Error(),
		)
	}
}

// AppendLogs ingests sandbox console logs for a run. Logs are pure
// telemetry: they are accepted before the run row exists, but rejected
// when the run exists and belongs to someone else. Returns how many
// entries were accepted.
func (m *Manager) AppendLogs(ctx context.Context, userID, runID string, entries []models.RunLogEntry) (int, error) {
	if len(entries) > MaxLogEntries {
		return 0, fmt.Errorf("at most %d log entries per call", MaxLogEntries)
	}

	if run, err := m.store.GetRun(ctx, runID); err == nil {
		if run.UserID != userID {
			return 0, models.ErrForbidden
		}
	}

	accepted := 0
	for _, entry := range entries {
		sanitized, ok := sanitizeLogEntry(entry)
		if !ok {
			continue
		}
		accepted++
		m.analytics.Track(ctx, telemetry.Point{
			Name:    "run_log",
			Blobs:   []string{userID, runID, sanitized.Level, sanitized.Source, sanitized.Message},
			Doubles: []float64{float64(len(sanitized.Message))},
			Indexes: []string{runID},
		})
	}
	return accepted, nil
}

func sanitizeLogEntry(entry models.RunLogEntry) (models.RunLogEntry, bool) {
	switch entry.Level {
	case "log", "info", "warn", "error":
	default:
		entry.Level = "log"
	}
	switch entry.Source {
	case "preview", "player":
	default:
		entry.Source = "player"
	}
	if entry.Message == "" {
		return entry, false
	}
	if len(entry.Message) > MaxLogMessageLength {
		entry.Message = entry.Message[:MaxLogMessageLength]
	}
	return entry, true
}

func startOfMonth(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 100
	}
	return float64(used) / float64(limit) * 100
}
