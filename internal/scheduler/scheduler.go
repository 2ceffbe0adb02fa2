// Package scheduler triggers periodic dispatch runs and the daily prune.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

// Defaults for zero-valued Config fields.
const (
	DefaultDispatchInterval = 30 * time.Minute
	DefaultPruneCheck       = 5 * time.Minute
)

// Dispatcher enqueues work for every source.
type Dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

// Pruner removes expired items.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Config controls trigger cadence.
type Config struct {
	DispatchInterval time.Duration
	// PruneHour is the UTC hour during which the daily prune runs. Negative disables pruning.
	PruneHour int
	// PruneCheck is how often the prune gate is evaluated.
	PruneCheck time.Duration
	// DispatchOnStart fires one dispatch as soon as Run starts.
	DispatchOnStart bool
}

// Scheduler drives the dispatcher and pruner from tickers.
type Scheduler struct {
	dispatcher   Dispatcher
	pruner       Pruner
	clock        ingest.Clock
	cfg          Config
	logger       *zap.Logger
	lastPruneDay string
}

// New constructs a Scheduler. pruner may be nil.
func New(dispatcher Dispatcher, pruner Pruner, clock ingest.Clock, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if dispatcher == nil {
		return nil, errors.New("scheduler: dispatcher is required")
	}
	if clock == nil {
		return nil, errors.New("scheduler: clock is required")
	}
	if cfg.PruneHour > 23 {
		return nil, errors.New("scheduler: prune hour must be between 0 and 23")
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultDispatchInterval
	}
	if cfg.PruneCheck <= 0 {
		cfg.PruneCheck = DefaultPruneCheck
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		dispatcher: dispatcher,
		pruner:     pruner,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	dispatchTicker := time.NewTicker(s.cfg.DispatchInterval)
	defer dispatchTicker.Stop()
	pruneTicker := time.NewTicker(s.cfg.PruneCheck)
	defer pruneTicker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("dispatch_interval", s.cfg.DispatchInterval),
		zap.Int("prune_hour", s.cfg.PruneHour),
	)
	if s.cfg.DispatchOnStart {
		s.dispatch(ctx)
	}
	s.MaybePrune(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-dispatchTicker.C:
			s.dispatch(ctx)
		case <-pruneTicker.C:
			s.MaybePrune(ctx)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	n, err := s.dispatcher.Dispatch(ctx)
	if err != nil {
		s.logger.Error("scheduled dispatch failed", zap.Int("enqueued", n), zap.Error(err))
		return
	}
	s.logger.Debug("scheduled dispatch", zap.Int("enqueued", n))
}

// MaybePrune runs the pruner if the current UTC hour is the prune hour and no
// successful prune has happened yet today. It reports whether a prune ran.
func (s *Scheduler) MaybePrune(ctx context.Context) bool {
	if s.pruner == nil || s.cfg.PruneHour < 0 {
		return false
	}
	now := s.clock.Now().UTC()
	if now.Hour() != s.cfg.PruneHour {
		return false
	}
	day := now.Format(time.DateOnly)
	if day == s.lastPruneDay {
		return false
	}
	deleted, err := s.pruner.Prune(ctx)
	if err != nil {
		s.logger.Error("scheduled prune failed", zap.Error(err))
		return false
	}
	s.lastPruneDay = day
	s.logger.Info("scheduled prune", zap.Int64("deleted", deleted))
	return true
}
