// Package postgres provides the Postgres-backed source and item store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	SourcesTable    string
	ItemsTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements ingest.Store on top of pgx.
type Store struct {
	pool    pool
	sources string
	items   string
	clock   ingest.Clock
	logger  *zap.Logger
}

// New connects a pool and builds a Store.
func New(ctx context.Context, cfg Config, clock ingest.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.SourcesTable, cfg.ItemsTable, clock, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, sourcesTable, itemsTable string, clock ingest.Clock, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if sourcesTable == "" {
		sourcesTable = "sources"
	}
	if itemsTable == "" {
		itemsTable = "items"
	}
	for _, table := range []string{sourcesTable, itemsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:    p,
		sources: sourcesTable,
		items:   itemsTable,
		clock:   clock,
		logger:  logger.Named("postgres_store"),
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// PutSource inserts or replaces a source definition, keeping its health counters.
func (s *Store) PutSource(ctx context.Context, src ingest.Source) error {
	if src.ID == "" || src.URL == "" {
		return fmt.Errorf("source id and url are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, name, rank, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	name = EXCLUDED.name,
	rank = EXCLUDED.rank,
	updated_at = EXCLUDED.updated_at`, s.sources)
	if _, err := s.pool.Exec(ctx, query, src.ID, src.URL, src.Name, src.Rank, s.clock.Now()); err != nil {
		return fmt.Errorf("put source %s: %w", src.ID, err)
	}
	return nil
}

const sourceColumns = `id, url, name, rank,
	COALESCE(etag, ''), COALESCE(last_modified, ''),
	fetch_count, error_count, COALESCE(last_error, ''),
	last_fetched, created_at, updated_at`

// ListSources returns every source, ranked sources first.
func (s *Store) ListSources(ctx context.Context) ([]ingest.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY rank ASC NULLS LAST, id ASC`, sourceColumns, s.sources)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []ingest.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// GetSource returns a single source or ingest.ErrNotFound.
func (s *Store) GetSource(ctx context.Context, id string) (ingest.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, sourceColumns, s.sources)
	src, err := scanSource(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Source{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Source{}, fmt.Errorf("get source %s: %w", id, err)
	}
	return src, nil
}

func scanSource(row pgx.Row) (ingest.Source, error) {
	var src ingest.Source
	err := row.Scan(
		&src.ID,
		&src.URL,
		&src.Name,
		&src.Rank,
		&src.ETag,
		&src.LastModified,
		&src.FetchCount,
		&src.ErrorCount,
		&src.LastError,
		&src.LastFetched,
		&src.CreatedAt,
		&src.UpdatedAt,
	)
	return src, err //nolint:wrapcheck // callers wrap with context
}

// RecordSuccess resets the error streak and advances cache validators. Empty
// validators keep the stored value.
func (s *Store) RecordSuccess(ctx context.Context, id string, update ingest.SuccessUpdate) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	fetch_count = fetch_count + 1,
	error_count = 0,
	last_error = NULL,
	etag = COALESCE(NULLIF($2, ''), etag),
	last_modified = COALESCE(NULLIF($3, ''), last_modified),
	last_fetched = $4,
	updated_at = $4
WHERE id = $1`, s.sources)
	tag, err := s.pool.Exec(ctx, query, id, update.ETag, update.LastModified, update.FetchedAt)
	if err != nil {
		return fmt.Errorf("record success for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// RecordFailure bumps the error streak and stores the failure text.
func (s *Store) RecordFailure(ctx context.Context, id string, update ingest.FailureUpdate) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	fetch_count = fetch_count + 1,
	error_count = error_count + 1,
	last_error = $2,
	last_fetched = $3,
	updated_at = $3
WHERE id = $1`, s.sources)
	tag, err := s.pool.Exec(ctx, query, id, update.Error, update.FetchedAt)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// InsertItems writes items whose identity is not yet stored. Existing rows are
// left untouched.
func (s *Store) InsertItems(ctx context.Context, sourceID string, items []ingest.Item) (int, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	source_id,
	title,
	link,
	permalink,
	published,
	updated,
	summary,
	content,
	author,
	tags,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (id) DO NOTHING`, s.items)

	now := s.clock.Now()
	inserted := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return inserted, fmt.Errorf("insert items: %w", err)
		}
		tags := item.Tags
		if tags == nil {
			tags = []string{}
		}
		tag, err := s.pool.Exec(ctx, query,
			item.ID,
			sourceID,
			item.Title,
			item.Link,
			nullIfEmpty(item.Permalink),
			item.Published,
			item.Updated,
			item.Summary,
			item.Content,
			nullIfEmpty(item.Author),
			tags,
			now,
		)
		if err != nil {
			s.logger.Warn("insert item failed",
				zap.String("source_id", sourceID),
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}
		if tag.RowsAffected() == 1 {
			inserted++
		}
	}
	return inserted, nil
}

// DeleteItemsBefore removes items created before cutoff.
func (s *Store) DeleteItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.items)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
