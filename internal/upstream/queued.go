package upstream

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/racefwd/internal/observability"
	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/danmuck/racefwd/internal/timing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrQueueClosed = errors.New("upstream: queue closed")

type QueueConfig struct {
	Capacity    int
	MaxAttempts int
	Backoff     session.BackoffConfig
	Timeout     time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:    1024,
		MaxAttempts: 5,
		Backoff:     session.DefaultBackoff(),
		Timeout:     30 * time.Second,
	}
}

type queuedItem struct {
	id string
	d  Delivery
}

// Queued buffers reads in a bounded queue and retries failed posts with
// exponential backoff. Overflow and exhausted retries drop the read.
type Queued struct {
	submitter Submitter
	logger    zerolog.Logger
	cfg       QueueConfig
	outbox    *session.DeliveryOutbox
	queue     chan queuedItem
	sleep     func(ctx context.Context, d time.Duration) bool
	now       func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	closed bool
}

func NewQueued(submitter Submitter, cfg QueueConfig, logger zerolog.Logger) *Queued {
	def := DefaultQueueConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Queued{
		submitter: submitter,
		logger:    logger,
		cfg:       cfg,
		outbox:    session.NewDeliveryOutbox(),
		queue:     make(chan queuedItem, cfg.Capacity),
		sleep:     sleepCtx,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dispatch enqueues d; a full or closed queue drops it with a warning.
func (q *Queued) Dispatch(d Delivery) {
	item := queuedItem{id: uuid.NewString(), d: d}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drop(item, "closed", ErrQueueClosed)
		return
	}
	// Registered before the send so the worker can never remove it first.
	q.outbox.Upsert(session.PendingDelivery{
		DeliveryID: item.id,
		Protocol:   d.Protocol,
		ConnID:     d.ConnID,
		ChipID:     d.Read.ChipID,
		QueuedAt:   q.now(),
	})
	select {
	case q.queue <- item:
	default:
		q.drop(item, "overflow", nil)
	}
}

// Pending lists reads waiting for delivery, oldest first.
func (q *Queued) Pending() []session.PendingDelivery {
	return q.outbox.List()
}

// Run drains the queue until ctx is cancelled. Undelivered items are dropped.
func (q *Queued) Run(ctx context.Context) error {
	defer q.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-q.queue:
			q.deliver(ctx, item)
		}
	}
}

func (q *Queued) deliver(ctx context.Context, item queuedItem) {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
		err := q.submitter.SendTimingReads(callCtx, []timing.Read{item.d.Read})
		cancel()
		if err == nil {
			q.outbox.Remove(item.id)
			delivered(item.d, q.logger)
			return
		}
		delay, retry := q.nextRetry(attempt)
		if !retry {
			q.drop(item, "retries_exhausted", err)
			return
		}
		q.outbox.MarkAttempt(item.id, q.now(), q.now().Add(delay), err.Error())
		q.logger.Debug().
			Err(err).
			Str("delivery_id", item.id).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("timing read delivery retry")
		if !q.sleep(ctx, delay) {
			q.drop(item, "shutdown", ctx.Err())
			return
		}
	}
}

func (q *Queued) nextRetry(attempt int) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.Backoff.Retry(attempt, q.cfg.MaxAttempts, q.rng)
}

func (q *Queued) shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	for {
		select {
		case item := <-q.queue:
			q.drop(item, "shutdown", ErrQueueClosed)
		default:
			return
		}
	}
}

func (q *Queued) drop(item queuedItem, reason string, err error) {
	q.outbox.Remove(item.id)
	observability.RecordReadDropped(item.d.Protocol, reason)
	q.logger.Warn().
		Err(err).
		Str("reason", reason).
		Str("protocol", item.d.Protocol).
		Str("conn_id", item.d.ConnID).
		Str("chip_id", item.d.Read.ChipID).
		Msg("timing read discarded")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
