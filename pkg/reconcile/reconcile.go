// Package reconcile recomputes denormalized counters and storage usage
// from source tables. The counter shard is lossy across crashes and the
// publish saga can leak a reservation when a compensation step fails;
// the periodic sweep is what makes those numbers trustworthy again.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	itelemetry "github.com/capsulehub/capsuled/internal/telemetry"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/shard"
	"github.com/capsulehub/capsuled/pkg/telemetry"
)

// DefaultInterval is how often the background sweeper runs.
const DefaultInterval = 15 * time.Minute

// Store is the relational surface the sweeper reads ground truth from
// and writes corrections to.
type Store interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	CountFollowers(ctx context.Context, userID string) (int64, error)
	CountFollowing(ctx context.Context, userID string) (int64, error)
	CountPostsByAuthor(ctx context.Context, authorID string) (int64, error)
	CountRunsByUser(ctx context.Context, userID string) (int64, error)
	CountRemixesByChildOwner(ctx context.Context, ownerID string) (int64, error)
	OverwriteUserCounters(ctx context.Context, userID string, counters, current map[string]int64) (bool, error)

	OwnerAssetTotal(ctx context.Context, ownerID string) (int64, error)
	OverwriteStorageUsage(ctx context.Context, userID string, usage int64, expectedVersion int64) (bool, error)

	ListPostIDs(ctx context.Context) ([]string, error)
	GetPost(ctx context.Context, id string) (*models.Post, error)
	CountLikes(ctx context.Context, postID string) (int64, error)
	CountComments(ctx context.Context, postID string) (int64, error)
	CountRunsByPost(ctx context.Context, postID string) (int64, error)
	CountRemixChildren(ctx context.Context, parentCapsuleID string) (int64, error)
	OverwritePostCounters(ctx context.Context, postID string, counters, current map[string]int64) (bool, error)

	PruneProxyWindows(ctx context.Context, nowMs int64) (int64, error)
}

// UserTruth is the recomputed state of one user row.
type UserTruth struct {
	Followers    int64
	Following    int64
	Posts        int64
	Runs         int64
	Remixes      int64
	StorageBytes int64
}

// PostTruth is the recomputed state of one post row.
type PostTruth struct {
	Likes    int64
	Comments int64
	Runs     int64
	Remixes  int64
}

// UserCounterDrift returns the counter columns whose denormalized value
// disagrees with ground truth. Empty map means no drift.
func UserCounterDrift(current *models.User, truth UserTruth) map[string]int64 {
	drift := map[string]int64{}
	if current.FollowersCount != truth.Followers {
		drift["followers_count"] = truth.Followers
	}
	if current.FollowingCount != truth.Following {
		drift["following_count"] = truth.Following
	}
	if current.PostsCount != truth.Posts {
		drift["posts_count"] = truth.Posts
	}
	if current.RunsCount != truth.Runs {
		drift["runs_count"] = truth.Runs
	}
	if current.RemixesCount != truth.Remixes {
		drift["remixes_count"] = truth.Remixes
	}
	return drift
}

// PostCounterDrift returns the post counter columns that disagree with
// ground truth.
func PostCounterDrift(current *models.Post, truth PostTruth) map[string]int64 {
	drift := map[string]int64{}
	if current.LikesCount != truth.Likes {
		drift["likes_count"] = truth.Likes
	}
	if current.CommentsCount != truth.Comments {
		drift["comments_count"] = truth.Comments
	}
	if current.RunsCount != truth.Runs {
		drift["runs_count"] = truth.Runs
	}
	if current.RemixesCount != truth.Remixes {
		drift["remixes_count"] = truth.Remixes
	}
	return drift
}

// userCounterGuard returns the current value of each drifted column,
// read from the same row the drift was computed against. The overwrite
// only applies while those values still hold.
func userCounterGuard(current *models.User, drift map[string]int64) map[string]int64 {
	values := map[string]int64{
		"followers_count": current.FollowersCount,
		"following_count": current.FollowingCount,
		"posts_count":     current.PostsCount,
		"runs_count":      current.RunsCount,
		"remixes_count":   current.RemixesCount,
	}
	guard := make(map[string]int64, len(drift))
	for column := range drift {
		guard[column] = values[column]
	}
	return guard
}

// postCounterGuard is the post-row counterpart of userCounterGuard.
func postCounterGuard(current *models.Post, drift map[string]int64) map[string]int64 {
	values := map[string]int64{
		"likes_count":    current.LikesCount,
		"comments_count": current.CommentsCount,
		"runs_count":     current.RunsCount,
		"remixes_count":  current.RemixesCount,
	}
	guard := make(map[string]int64, len(drift))
	for column := range drift {
		guard[column] = values[column]
	}
	return guard
}

// Report summarizes one sweep.
type Report struct {
	UsersChecked   int
	UsersCorrected int
	// UsersSkipped counts users whose counters moved mid-sweep; the
	// next sweep picks them up.
	UsersSkipped int

	StorageCorrected int
	// StorageSkipped counts users whose storage version moved mid-sweep.
	StorageSkipped int

	PostsChecked   int
	PostsCorrected int
	PostsSkipped   int

	ProxyWindowsPruned int64
	LimiterPruned      int
}

// Sweeper runs periodic reconciliation sweeps.
type Sweeper struct {
	store     Store
	limiter   *shard.RateLimiter
	metrics   *metrics.Metrics
	analytics telemetry.Sink
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper. A nil limiter skips in-process window pruning.
func New(st Store, limiter *shard.RateLimiter, m *metrics.Metrics, analytics telemetry.Sink, interval time.Duration) *Sweeper {
	if analytics == nil {
		analytics = telemetry.NopSink{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{store: st, limiter: limiter, metrics: m, analytics: analytics, interval: interval}
}

// Start begins the periodic sweep loop. Start should only be called once.
func (s *Sweeper) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	logger.Info("reconciliation sweeper started", "interval", s.interval.String())

	s.wg.Add(1)
	go s.run()
}

// Stop cancels the loop and blocks until it has exited. A sweep in
// progress finishes its current row and bails out.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(s.ctx); err != nil {
				logger.Warn("reconciliation sweep failed", logger.KeyError, err.Error())
			}
		}
	}
}

// SweepOnce runs one full sweep: every user, every post, then the
// opportunistic rate-limit prunes. Per-row errors are logged and skipped
// so one bad row cannot starve the rest of the table.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Report, error) {
	ctx, span := itelemetry.StartSpan(ctx, itelemetry.SpanReconcileSweep)
	defer span.End()

	start := time.Now()
	report := &Report{}

	userIDs, err := s.store.ListUserIDs(ctx)
	if err != nil {
		itelemetry.RecordError(ctx, err)
		return nil, err
	}
	for _, id := range userIDs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := s.sweepUser(ctx, id, report); err != nil {
			logger.WarnCtx(ctx, "user reconciliation skipped",
				logger.KeyUserID, id, logger.KeyError, err.Error())
		}
	}

	postIDs, err := s.store.ListPostIDs(ctx)
	if err != nil {
		itelemetry.RecordError(ctx, err)
		return nil, err
	}
	for _, id := range postIDs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := s.sweepPost(ctx, id, report); err != nil {
			logger.WarnCtx(ctx, "post reconciliation skipped",
				logger.KeyPostID, id, logger.KeyError, err.Error())
		}
	}

	pruned, err := s.store.PruneProxyWindows(ctx, time.Now().UnixMilli())
	if err != nil {
		logger.WarnCtx(ctx, "proxy window prune failed", logger.KeyError, err.Error())
	}
	report.ProxyWindowsPruned = pruned
	if s.limiter != nil {
		report.LimiterPruned = s.limiter.Prune()
	}

	elapsed := time.Since(start)
	s.metrics.ObserveReconcileSweep(elapsed)
	s.analytics.Track(ctx, telemetry.Point{
		Name:    "reconcile_sweep",
		Doubles: []float64{float64(report.UsersCorrected), float64(report.PostsCorrected), float64(elapsed.Milliseconds())},
	})
	logger.InfoCtx(ctx, "reconciliation sweep finished",
		"users_checked", report.UsersChecked,
		"users_corrected", report.UsersCorrected,
		"posts_checked", report.PostsChecked,
		"posts_corrected", report.PostsCorrected,
		"storage_corrected", report.StorageCorrected,
		logger.KeyDurationMs, elapsed.Milliseconds(),
	)
	return report, nil
}

func (s *Sweeper) sweepUser(ctx context.Context, userID string, report *Report) error {
	report.UsersChecked++

	// Read the row first: its storage version guards the usage overwrite
	// against uploads landing mid-sweep.
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	truth, err := s.userTruth(ctx, userID)
	if err != nil {
		return err
	}

	if drift := UserCounterDrift(user, truth); len(drift) > 0 {
		applied, err := s.store.OverwriteUserCounters(ctx, userID, drift, userCounterGuard(user, drift))
		if err != nil {
			return err
		}
		if applied {
			report.UsersCorrected++
			s.metrics.AddReconcileDrift("user", len(drift))
			logger.InfoCtx(ctx, "user counters reconciled",
				logger.KeyUserID, userID, "columns", len(drift))
		} else {
			report.UsersSkipped++
		}
	}

	if user.StorageUsageBytes != truth.StorageBytes {
		applied, err := s.store.OverwriteStorageUsage(ctx, userID, truth.StorageBytes, user.StorageVersion)
		if err != nil {
			return err
		}
		if applied {
			report.StorageCorrected++
			s.metrics.AddReconcileDrift("storage", 1)
			logger.InfoCtx(ctx, "storage usage reconciled",
				logger.KeyUserID, userID,
				"recorded", user.StorageUsageBytes,
				"actual", truth.StorageBytes,
			)
		} else {
			report.StorageSkipped++
		}
	}
	return nil
}

func (s *Sweeper) userTruth(ctx context.Context, userID string) (UserTruth, error) {
	var truth UserTruth
	var err error

	if truth.Followers, err = s.store.CountFollowers(ctx, userID); err != nil {
		return truth, err
	}
	if truth.Following, err = s.store.CountFollowing(ctx, userID); err != nil {
		return truth, err
	}
	if truth.Posts, err = s.store.CountPostsByAuthor(ctx, userID); err != nil {
		return truth, err
	}
	if truth.Runs, err = s.store.CountRunsByUser(ctx, userID); err != nil {
		return truth, err
	}
	if truth.Remixes, err = s.store.CountRemixesByChildOwner(ctx, userID); err != nil {
		return truth, err
	}
	if truth.StorageBytes, err = s.store.OwnerAssetTotal(ctx, userID); err != nil {
		return truth, err
	}
	return truth, nil
}

func (s *Sweeper) sweepPost(ctx context.Context, postID string, report *Report) error {
	report.PostsChecked++

	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}

	var truth PostTruth
	if truth.Likes, err = s.store.CountLikes(ctx, postID); err != nil {
		return err
	}
	if truth.Comments, err = s.store.CountComments(ctx, postID); err != nil {
		return err
	}
	if truth.Runs, err = s.store.CountRunsByPost(ctx, postID); err != nil {
		return err
	}
	if post.CapsuleID != nil {
		if truth.Remixes, err = s.store.CountRemixChildren(ctx, *post.CapsuleID); err != nil {
			return err
		}
	}

	drift := PostCounterDrift(post, truth)
	if len(drift) == 0 {
		return nil
	}
	applied, err := s.store.OverwritePostCounters(ctx, postID, drift, postCounterGuard(post, drift))
	if err != nil {
		return err
	}
	if !applied {
		report.PostsSkipped++
		return nil
	}
	report.PostsCorrected++
	s.metrics.AddReconcileDrift("post", len(drift))
	logger.InfoCtx(ctx, "post counters reconciled",
		logger.KeyPostID, postID, "columns", len(drift))
	return nil
}
