// Package pruner removes items past the retention window.
package pruner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/metrics"
)

// DefaultRetentionDays applies when no window is configured.
const DefaultRetentionDays = 30

// Pruner deletes items whose created_at predates now minus the retention window.
// It holds no state between runs.
type Pruner struct {
	items  ingest.ItemStore
	clock  ingest.Clock
	window time.Duration
	logger *zap.Logger
}

// New creates a Pruner. Non-positive retentionDays fall back to DefaultRetentionDays.
func New(items ingest.ItemStore, clock ingest.Clock, retentionDays int, logger *zap.Logger) (*Pruner, error) {
	if items == nil {
		return nil, errors.New("pruner: item store is required")
	}
	if clock == nil {
		return nil, errors.New("pruner: clock is required")
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{
		items:  items,
		clock:  clock,
		window: time.Duration(retentionDays) * 24 * time.Hour,
		logger: logger,
	}, nil
}

// Cutoff returns the creation time before which items are deleted.
func (p *Pruner) Cutoff() time.Time {
	return p.clock.Now().Add(-p.window)
}

// Prune deletes expired items and returns how many were removed.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	cutoff := p.Cutoff()
	deleted, err := p.items.DeleteItemsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete items before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.ObservePrune(deleted)
	p.logger.Info("pruned items", zap.Time("cutoff", cutoff), zap.Int64("deleted", deleted))
	return deleted, nil
}
