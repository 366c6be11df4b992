package shard

import (
	"context"
	"sync"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/metrics"
)

// CounterEntity selects which denormalized counter table a delta targets.
type CounterEntity string

const (
	EntityUser CounterEntity = "user"
	EntityPost CounterEntity = "post"
)

// CounterDelta is one buffered counter adjustment.
type CounterDelta struct {
	Entity CounterEntity
	ID     string
	Column string
	Delta  int64
}

// CounterApplier applies aggregated deltas to the store. Implemented by
// store.GORMStore.
type CounterApplier interface {
	ApplyUserCounterDelta(ctx context.Context, userID, column string, delta int64) error
	ApplyPostCounterDelta(ctx context.Context, postID, column string, delta int64) error
}

// counterKey identifies one aggregate bucket.
type counterKey struct {
	entity CounterEntity
	id     string
	column string
}

// counterBucket is the buffered aggregate for one key.
type counterBucket struct {
	delta     int64
	firstSeen time.Time
	nextTry   time.Time // zero until a flush fails
}

// CounterConfig configures the counter shard.
type CounterConfig struct {
	// FlushDelay is how long the first delta for a key is buffered
	// before flushing. Default: 5s.
	FlushDelay time.Duration

	// TickInterval is the flush loop scan interval. Default: 1s.
	TickInterval time.Duration

	// RetryBackoff delays the next attempt after a failed flush.
	// Default: 1s.
	RetryBackoff time.Duration

	// MailboxSize bounds the enqueue channel. Default: 4096.
	MailboxSize int

	// Shadow accepts deltas without applying them. Used to soak-test
	// the buffering path against production traffic before cutting
	// over; enqueues behave identically but flushes only log.
	Shadow bool
}

// CounterShard buffers counter deltas and flushes per-key aggregates.
//
// Deltas for the same key collapse into a single SQL update per flush
// window, which is what keeps like/run bursts from hammering the posts
// and users tables. A failed flush keeps the aggregate and retries with
// backoff; deltas arriving meanwhile keep merging into it.
type CounterShard struct {
	applier CounterApplier
	cfg     CounterConfig
	metrics *metrics.Metrics

	mailbox chan CounterDelta

	// buckets is owned by the run goroutine.
	buckets map[counterKey]*counterBucket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCounterShard creates a counter shard.
func NewCounterShard(applier CounterApplier, m *metrics.Metrics, cfg CounterConfig) *CounterShard {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}

	return &CounterShard{
		applier: applier,
		cfg:     cfg,
		metrics: m,
		mailbox: make(chan CounterDelta, cfg.MailboxSize),
		buckets: make(map[counterKey]*counterBucket),
	}
}

// Start begins the flush loop. Start should only be called once.
func (s *CounterShard) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	logger.Info("counter shard started",
		logger.KeyFlushDelay, s.cfg.FlushDelay.String(),
		"shadow", s.cfg.Shadow,
	)

	s.wg.Add(1)
	go s.run()
}

// Stop drains the mailbox, flushes every pending aggregate, and blocks
// until the loop has exited. Safe to call multiple times.
func (s *CounterShard) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Add enqueues a delta. Blocks only when the mailbox is full. A zero
// delta is dropped.
func (s *CounterShard) Add(ctx context.Context, d CounterDelta) error {
	if d.Delta == 0 {
		return nil
	}
	select {
	case s.mailbox <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CounterShard) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.drainMailbox()
			s.flushDue(time.Time{}) // zero deadline flushes everything
			return
		case d := <-s.mailbox:
			s.absorb(d)
		case now := <-ticker.C:
			s.drainMailbox()
			s.flushDue(now)
		}
	}
}

// drainMailbox absorbs everything currently queued without blocking.
func (s *CounterShard) drainMailbox() {
	for {
		select {
		case d := <-s.mailbox:
			s.absorb(d)
		default:
			return
		}
	}
}

func (s *CounterShard) absorb(d CounterDelta) {
	key := counterKey{entity: d.Entity, id: d.ID, column: d.Column}
	bucket, ok := s.buckets[key]
	if !ok {
		bucket = &counterBucket{firstSeen: time.Now()}
		s.buckets[key] = bucket
	}
	bucket.delta += d.Delta
	if bucket.delta == 0 && bucket.nextTry.IsZero() {
		// Cancelled out before ever flushing; nothing to write.
		delete(s.buckets, key)
	}
	s.metrics.SetShardQueueDepth("counter", len(s.buckets))
}

// flushDue flushes every bucket whose flush delay has elapsed. A zero
// now flushes everything, used on shutdown.
func (s *CounterShard) flushDue(now time.Time) {
	for key, bucket := range s.buckets {
		if !now.IsZero() {
			if now.Sub(bucket.firstSeen) < s.cfg.FlushDelay {
				continue
			}
			if !bucket.nextTry.IsZero() && now.Before(bucket.nextTry) {
				continue
			}
		}

		start := time.Now()
		err := s.apply(key, bucket.delta)
		s.metrics.ObserveShardFlush("counter", 1, time.Since(start), err)

		if err != nil {
			logger.Warn("counter flush failed",
				logger.KeyShard, "counter",
				logger.KeyShardKey, key.id,
				"column", key.column,
				logger.KeyError, err.Error(),
			)
			bucket.nextTry = time.Now().Add(s.cfg.RetryBackoff)
			continue
		}
		delete(s.buckets, key)
	}
	s.metrics.SetShardQueueDepth("counter", len(s.buckets))
}

func (s *CounterShard) apply(key counterKey, delta int64) error {
	if s.cfg.Shadow {
		logger.Debug("counter shadow apply skipped",
			logger.KeyShardKey, key.id,
			"column", key.column,
			"delta", delta,
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch key.entity {
	case EntityUser:
		return s.applier.ApplyUserCounterDelta(ctx, key.id, key.column, delta)
	case EntityPost:
		return s.applier.ApplyPostCounterDelta(ctx, key.id, key.column, delta)
	default:
		logger.Error("counter delta for unknown entity dropped", "entity", string(key.entity))
		return nil
	}
}

// Pending returns the number of buffered aggregates. Test helper; racy
// against the run loop unless the shard is stopped.
func (s *CounterShard) Pending() int {
	return len(s.buckets)
}
