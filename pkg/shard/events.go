package shard

import (
	"context"
	"sync"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/metrics"
	"github.com/capsulehub/capsuled/pkg/models"
)

// EventSink persists runtime event batches. Implemented by
// store.GORMStore; inserts must be idempotent on the event id.
type EventSink interface {
	InsertRuntimeEvents(ctx context.Context, events []*models.RuntimeEvent) (int64, error)
}

// EventConfig configures the runtime event shard.
type EventConfig struct {
	// BatchSize triggers an immediate flush once this many events are
	// buffered. Default: 100.
	BatchSize int

	// FlushDelay flushes a smaller batch once the oldest buffered event
	// has waited this long. Default: 5s.
	FlushDelay time.Duration

	// TickInterval is the flush loop scan interval. Default: 1s.
	TickInterval time.Duration

	// RetryBackoff delays the next attempt after a failed flush.
	// Default: 1s.
	RetryBackoff time.Duration

	// MailboxSize bounds the enqueue channel. Default: 4096.
	MailboxSize int
}

// EventShard buffers sandbox runtime events and writes them in batches.
//
// Events are append-only and idempotent on their id, so a failed batch
// is simply re-prepended and retried whole; a batch that partially
// landed deduplicates on the second attempt.
type EventShard struct {
	sink    EventSink
	cfg     EventConfig
	metrics *metrics.Metrics

	mailbox chan *models.RuntimeEvent

	// pending is owned by the run goroutine.
	pending   []*models.RuntimeEvent
	oldestAt  time.Time
	nextRetry time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventShard creates a runtime event shard.
func NewEventShard(sink EventSink, m *metrics.Metrics, cfg EventConfig) *EventShard {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
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

	return &EventShard{
		sink:    sink,
		cfg:     cfg,
		metrics: m,
		mailbox: make(chan *models.RuntimeEvent, cfg.MailboxSize),
	}
}

// Start begins the flush loop. Start should only be called once.
func (s *EventShard) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	logger.Info("event shard started",
		logger.KeyBatchSize, s.cfg.BatchSize,
		logger.KeyFlushDelay, s.cfg.FlushDelay.String(),
	)

	s.wg.Add(1)
	go s.run()
}

// Stop drains the mailbox, flushes pending events, and blocks until the
// loop has exited.
func (s *EventShard) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Append enqueues one event. Blocks only when the mailbox is full.
func (s *EventShard) Append(ctx context.Context, event *models.RuntimeEvent) error {
	select {
	case s.mailbox <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EventShard) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.drainMailbox()
			s.flush(true)
			return
		case e := <-s.mailbox:
			s.absorb(e)
			if len(s.pending) >= s.cfg.BatchSize {
				s.flush(false)
			}
		case <-ticker.C:
			s.drainMailbox()
			if s.due() {
				s.flush(false)
			}
		}
	}
}

func (s *EventShard) drainMailbox() {
	for {
		select {
		case e := <-s.mailbox:
			s.absorb(e)
		default:
			return
		}
	}
}

func (s *EventShard) absorb(e *models.RuntimeEvent) {
	if len(s.pending) == 0 {
		s.oldestAt = time.Now()
	}
	s.pending = append(s.pending, e)
	s.metrics.SetShardQueueDepth("events", len(s.pending))
}

func (s *EventShard) due() bool {
	if len(s.pending) == 0 {
		return false
	}
	if !s.nextRetry.IsZero() && time.Now().Before(s.nextRetry) {
		return false
	}
	return len(s.pending) >= s.cfg.BatchSize ||
		time.Since(s.oldestAt) >= s.cfg.FlushDelay
}

// flush writes the whole pending batch. On failure the batch stays
// buffered (events arriving meanwhile append behind it, preserving
// order) and the next attempt waits for the retry backoff.
func (s *EventShard) flush(final bool) {
	if len(s.pending) == 0 {
		return
	}

	batch := s.pending
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	inserted, err := s.sink.InsertRuntimeEvents(ctx, batch)
	cancel()

	s.metrics.ObserveShardFlush("events", len(batch), time.Since(start), err)

	if err != nil {
		logger.Warn("event flush failed",
			logger.KeyShard, "events",
			logger.KeyBatchSize, len(batch),
			logger.KeyError, err.Error(),
		)
		if !final {
			s.nextRetry = time.Now().Add(s.cfg.RetryBackoff)
		}
		return
	}

	logger.Debug("event batch flushed",
		logger.KeyBatchSize, len(batch),
		"inserted", inserted,
	)
	s.pending = nil
	s.nextRetry = time.Time{}
	s.metrics.SetShardQueueDepth("events", 0)
}
