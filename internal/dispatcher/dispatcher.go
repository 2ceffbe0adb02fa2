// Package dispatcher enumerates sources and fans them out onto the work queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/metrics"
)

// DefaultBatchSize bounds how many works go into a single Enqueue call.
const DefaultBatchSize = 100

// Config controls Dispatcher behavior.
type Config struct {
	BatchSize int
}

// Result summarizes one dispatch run.
type Result struct {
	DispatchID string `json:"dispatch_id"`
	Enqueued   int    `json:"enqueued"`
}

// Dispatcher turns the source list into queued FetchWork.
type Dispatcher struct {
	sources   ingest.SourceStore
	queue     ingest.Queue
	ids       ingest.IDGenerator
	batchSize int
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(
	sources ingest.SourceStore,
	queue ingest.Queue,
	ids ingest.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if sources == nil {
		return nil, errors.New("dispatcher: source store is required")
	}
	if queue == nil {
		return nil, errors.New("dispatcher: queue is required")
	}
	if ids == nil {
		return nil, errors.New("dispatcher: id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Dispatcher{
		sources:   sources,
		queue:     queue,
		ids:       ids,
		batchSize: batch,
		logger:    logger,
	}, nil
}

// Dispatch enqueues one FetchWork per known source and returns the count enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	res, err := d.Run(ctx)
	return res.Enqueued, err
}

// Run performs a dispatch and reports the run id alongside the count. Sources come
// back from the store ranked first, unranked last, then by id. On a failed batch
// the works already enqueued stay enqueued and Enqueued reflects them; re-running
// is safe since consumers deduplicate items.
func (d *Dispatcher) Run(ctx context.Context) (Result, error) {
	dispatchID, err := d.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("dispatch id: %w", err)
	}
	res := Result{DispatchID: dispatchID}
	logger := d.logger.With(zap.String("dispatch_id", dispatchID))

	sources, err := d.sources.ListSources(ctx)
	if err != nil {
		return res, fmt.Errorf("list sources: %w", err)
	}

	works := make([]ingest.FetchWork, 0, len(sources))
	for _, src := range sources {
		works = append(works, ingest.WorkFromSource(src))
	}

	for start := 0; start < len(works); start += d.batchSize {
		end := min(start+d.batchSize, len(works))
		batch := works[start:end]
		if err := d.queue.Enqueue(ctx, dispatchID, batch); err != nil {
			logger.Error("enqueue batch failed",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			metrics.ObserveDispatch(res.Enqueued)
			return res, fmt.Errorf("queue enqueue: %w", err)
		}
		res.Enqueued += len(batch)
	}

	metrics.ObserveDispatch(res.Enqueued)
	logger.Info("dispatch complete",
		zap.Int("sources", len(sources)),
		zap.Int("enqueued", res.Enqueued),
	)
	return res, nil
}
