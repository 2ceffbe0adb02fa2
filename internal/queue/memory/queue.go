// Package memory provides an in-process FetchWork queue for local development and
// single-binary deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Config controls queue sizing and redelivery.
type Config struct {
	Capacity    int
	Consumers   int
	MaxAttempts int
}

type message struct {
	work       ingest.FetchWork
	dispatchID string
	attempt    int
}

// Queue is a bounded in-memory queue. Retries are re-enqueued after the delay
// requested by the handler.
type Queue struct {
	cfg     Config
	ch      chan message
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	retries sync.WaitGroup
	// pending counts buffered plus in-flight deliveries.
	pending atomic.Int64
	logger  *zap.Logger
}

// NewQueue constructs a queue, applying defaults for zero values.
func NewQueue(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:    cfg,
		ch:     make(chan message, cfg.Capacity),
		done:   make(chan struct{}),
		logger: logger.Named("memory_queue"),
	}
}

// Enqueue pushes each work item, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, dispatchID string, works []ingest.FetchWork) error {
	for _, work := range works {
		if err := q.push(ctx, message{work: work, dispatchID: dispatchID, attempt: 1}); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) push(ctx context.Context, msg message) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	q.pending.Add(1)
	select {
	case <-ctx.Done():
		q.pending.Add(-1)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		q.pending.Add(-1)
		return ErrClosed
	case q.ch <- msg:
		return nil
	}
}

// Consume runs Config.Consumers goroutines until ctx ends or the queue closes.
func (q *Queue) Consume(ctx context.Context, handler ingest.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) consumeLoop(ctx context.Context, handler ingest.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case msg := <-q.ch:
			q.deliver(ctx, handler, msg)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, handler ingest.Handler, msg message) {
	decision := handler(ctx, ingest.Delivery{
		Work:       msg.work,
		Attempt:    msg.attempt,
		DispatchID: msg.dispatchID,
	})
	q.pending.Add(-1)
	if !decision.Retry() {
		return
	}
	if msg.attempt >= q.cfg.MaxAttempts {
		q.logger.Warn("dropping work after max attempts",
			zap.String("source_id", msg.work.SourceID),
			zap.String("dispatch_id", msg.dispatchID),
			zap.Int("attempt", msg.attempt),
		)
		return
	}
	msg.attempt++
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return
	}
	q.retries.Add(1)
	q.closeMu.Unlock()
	go func() {
		defer q.retries.Done()
		q.redeliverAfter(ctx, decision.Delay, msg)
	}()
}

func (q *Queue) redeliverAfter(ctx context.Context, delay time.Duration, msg message) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-q.done:
		return
	case <-timer.C:
	}
	if err := q.push(ctx, msg); err != nil {
		q.logger.Warn("retry enqueue failed",
			zap.String("source_id", msg.work.SourceID),
			zap.Int("attempt", msg.attempt),
			zap.Error(err),
		)
	}
}

// Drain blocks until every buffered and in-flight delivery has been handled.
// Retries still waiting on their delay are not counted.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain canceled: %w", ctx.Err())
		case <-q.done:
			return ErrClosed
		case <-ticker.C:
		}
	}
	return nil
}

// Pending reports buffered plus in-flight deliveries.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Len reports how many deliveries are buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops consumers and pending retries. Closing twice is safe.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	if !q.closed {
		close(q.done)
		q.closed = true
	}
	q.closeMu.Unlock()
	q.retries.Wait()
	return nil
}
