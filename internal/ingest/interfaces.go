package ingest

import (
	"context"
	"time"
)

// SourceStore reads sources and records per-attempt health.
type SourceStore interface {
	ListSources(ctx context.Context) ([]Source, error)
	GetSource(ctx context.Context, id string) (Source, error)
	RecordSuccess(ctx context.Context, id string, update SuccessUpdate) error
	RecordFailure(ctx context.Context, id string, update FailureUpdate) error
	Ping(ctx context.Context) error
}

// SourceWriter registers or updates source definitions. Health counters are
// left untouched on update.
type SourceWriter interface {
	PutSource(ctx context.Context, src Source) error
}

// ItemStore persists canonical items idempotently.
type ItemStore interface {
	// InsertItems inserts items not yet known and returns how many were new.
	// A failure on one item is logged and skipped.
	InsertItems(ctx context.Context, sourceID string, items []Item) (int, error)
	// DeleteItemsBefore removes items created before cutoff.
	DeleteItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the persistence contracts.
type Store interface {
	SourceStore
	SourceWriter
	ItemStore
	Close() error
}

// Fetcher performs a conditional GET.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// URLValidator guards fetch targets.
type URLValidator interface {
	Validate(rawURL string) error
}

// Normalizer turns a raw feed document into candidate items.
type Normalizer interface {
	Normalize(body []byte, sourceURL string) (Feed, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces dispatch run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Handler processes one delivery and decides its fate.
type Handler func(ctx context.Context, delivery Delivery) Decision

// Queue carries FetchWork between the dispatcher and consumers.
type Queue interface {
	// Enqueue publishes a batch of work tagged with dispatchID.
	Enqueue(ctx context.Context, dispatchID string, works []FetchWork) error
	// Consume blocks, handing deliveries to handler until ctx ends.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// RetryPolicy computes redelivery delays.
type RetryPolicy interface {
	Backoff(attempt int) time.Duration
}
