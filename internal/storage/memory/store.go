package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

// Store provides an in-memory ingest.Store for development and tests.
type Store struct {
	mu      sync.RWMutex
	clock   ingest.Clock
	sources map[string]ingest.Source
	items   map[string]ingest.Item
}

// NewStore constructs a Store.
func NewStore(clock ingest.Clock) *Store {
	return &Store{
		clock:   clock,
		sources: make(map[string]ingest.Source),
		items:   make(map[string]ingest.Item),
	}
}

// PutSource inserts or replaces a source definition, keeping its health counters.
func (s *Store) PutSource(_ context.Context, src ingest.Source) error {
	if src.ID == "" || src.URL == "" {
		return fmt.Errorf("source id and url are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if existing, ok := s.sources[src.ID]; ok {
		existing.URL = src.URL
		existing.Name = src.Name
		existing.Rank = src.Rank
		existing.UpdatedAt = now
		s.sources[src.ID] = existing
		return nil
	}
	src.CreatedAt = now
	src.UpdatedAt = now
	s.sources[src.ID] = src
	return nil
}

// ListSources returns every source, ranked sources first, then by id.
func (s *Store) ListSources(_ context.Context) ([]ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Rank, out[j].Rank
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out, nil
}

// GetSource returns one source or ingest.ErrNotFound.
func (s *Store) GetSource(_ context.Context, id string) (ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.Source{}, ingest.ErrNotFound
	}
	return src, nil
}

// RecordSuccess resets the error streak and advances cache validators.
func (s *Store) RecordSuccess(_ context.Context, id string, update ingest.SuccessUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.ErrNotFound
	}
	src.FetchCount++
	src.ErrorCount = 0
	src.LastError = ""
	if update.ETag != "" {
		src.ETag = update.ETag
	}
	if update.LastModified != "" {
		src.LastModified = update.LastModified
	}
	src.LastFetched = pointerTime(update.FetchedAt)
	src.UpdatedAt = update.FetchedAt
	s.sources[id] = src
	return nil
}

// RecordFailure bumps the error streak and stores the failure text.
func (s *Store) RecordFailure(_ context.Context, id string, update ingest.FailureUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.ErrNotFound
	}
	src.FetchCount++
	src.ErrorCount++
	src.LastError = update.Error
	src.LastFetched = pointerTime(update.FetchedAt)
	src.UpdatedAt = update.FetchedAt
	s.sources[id] = src
	return nil
}

// InsertItems stores items whose identity is not yet known.
func (s *Store) InsertItems(_ context.Context, sourceID string, items []ingest.Item) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inserted := 0
	for _, item := range items {
		if _, exists := s.items[item.ID]; exists {
			continue
		}
		item.SourceID = sourceID
		item.CreatedAt = now
		item.Tags = append([]string{}, item.Tags...)
		s.items[item.ID] = item
		inserted++
	}
	return inserted, nil
}

// ListItems returns a source's items ordered by id, for tests that assert on stored rows.
func (s *Store) ListItems(_ context.Context, sourceID string) ([]ingest.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Item
	for _, item := range s.items {
		if item.SourceID == sourceID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteItemsBefore removes items created before cutoff.
func (s *Store) DeleteItemsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, item := range s.items {
		if item.CreatedAt.Before(cutoff) {
			delete(s.items, id)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
