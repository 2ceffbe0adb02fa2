// Package worker applies the pipeline to queue deliveries and decides ack or retry.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/metrics"
	"github.com/JakeFAU/feed-ingestor/internal/telemetry"
)

// Processor runs the fetch pipeline for one unit of work.
type Processor interface {
	Process(ctx context.Context, work ingest.FetchWork) ingest.Outcome
}

// Limiter throttles fetches per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Worker handles deliveries: it runs the pipeline, records source health and
// classifies the outcome.
type Worker struct {
	processor Processor
	sources   ingest.SourceStore
	retry     ingest.RetryPolicy
	limiter   Limiter
	clock     ingest.Clock
	logger    *zap.Logger
}

// New constructs a Worker. limiter may be nil.
func New(
	processor Processor,
	sources ingest.SourceStore,
	retry ingest.RetryPolicy,
	limiter Limiter,
	clock ingest.Clock,
	logger *zap.Logger,
) (*Worker, error) {
	if processor == nil {
		return nil, errors.New("worker: processor is required")
	}
	if sources == nil {
		return nil, errors.New("worker: source store is required")
	}
	if clock == nil {
		return nil, errors.New("worker: clock is required")
	}
	if retry == nil {
		retry = ingest.NewExponentialBackoff(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		processor: processor,
		sources:   sources,
		retry:     retry,
		limiter:   limiter,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Handle implements ingest.Handler.
func (w *Worker) Handle(ctx context.Context, delivery ingest.Delivery) (decision ingest.Decision) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	work := delivery.Work
	ctx, span := telemetry.Tracer().Start(ctx, "worker.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.id", work.SourceID),
		attribute.String("dispatch.id", delivery.DispatchID),
		attribute.Int("delivery.attempt", delivery.Attempt),
	)

	logger := w.logger.With(telemetry.LogFields(ctx)...).With(
		zap.String("source_id", work.SourceID),
		zap.String("url", work.SourceURL),
		zap.String("dispatch_id", delivery.DispatchID),
		zap.Int("attempt", delivery.Attempt),
	)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("pipeline panicked", zap.Error(err), zap.Stack("stack"))
			w.recordFailure(ctx, work.SourceID, err.Error(), logger)
			decision = ingest.RetryAfter(w.retry.Backoff(delivery.Attempt))
		}
		span.SetAttributes(attribute.String("delivery.decision", decision.Action.String()))
		metrics.ObserveDelivery(decision.Action.String())
	}()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, work.SourceURL); err != nil {
			// Shutting down: hand the work back untouched.
			logger.Debug("rate limit wait aborted", zap.Error(err))
			return ingest.RetryAfter(w.retry.Backoff(delivery.Attempt))
		}
	}

	out := w.processor.Process(ctx, work)
	if out.Success {
		w.recordSuccess(ctx, work.SourceID, out, logger)
		return ingest.Ack()
	}

	w.recordFailure(ctx, work.SourceID, out.Error(), logger)
	if ingest.IsRetryable(out.Err) {
		delay := w.retry.Backoff(delivery.Attempt)
		logger.Warn("retryable failure", zap.Error(out.Err), zap.Duration("retry_in", delay))
		return ingest.RetryAfter(delay)
	}
	logger.Warn("terminal failure", zap.Error(out.Err))
	return ingest.Ack()
}

func (w *Worker) recordSuccess(ctx context.Context, sourceID string, out ingest.Outcome, logger *zap.Logger) {
	err := w.sources.RecordSuccess(ctx, sourceID, ingest.SuccessUpdate{
		ETag:         out.ETag,
		LastModified: out.LastModified,
		FetchedAt:    w.clock.Now(),
	})
	if err != nil {
		logger.Error("record success failed", zap.Error(err))
	}
}

func (w *Worker) recordFailure(ctx context.Context, sourceID, errText string, logger *zap.Logger) {
	err := w.sources.RecordFailure(ctx, sourceID, ingest.FailureUpdate{
		Error:     errText,
		FetchedAt: w.clock.Now(),
	})
	if err != nil {
		logger.Error("record failure failed", zap.Error(err))
	}
}
