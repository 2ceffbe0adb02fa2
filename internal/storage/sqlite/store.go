// Package sqlite provides an embedded source and item store on modernc.org/sqlite.
// Timestamps are stored as Unix milliseconds so range predicates compare numerically.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements ingest.Store on an embedded SQLite database.
type Store struct {
	db     *sql.DB
	clock  ingest.Clock
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, clock ingest.Clock, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db.path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db, clock: clock, logger: logger.Named("sqlite_store")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// PutSource inserts or replaces a source definition, keeping its health counters.
func (s *Store) PutSource(ctx context.Context, src ingest.Source) error {
	if src.ID == "" || src.URL == "" {
		return fmt.Errorf("source id and url are required")
	}
	now := s.clock.Now().UnixMilli()
	var rank any
	if src.Rank != nil {
		rank = *src.Rank
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sources (id, url, name, rank, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	url = excluded.url,
	name = excluded.name,
	rank = excluded.rank,
	updated_at = excluded.updated_at`,
		src.ID, src.URL, src.Name, rank, now, now)
	if err != nil {
		return fmt.Errorf("put source %s: %w", src.ID, err)
	}
	return nil
}

const sourceColumns = `id, url, name, rank,
	COALESCE(etag, ''), COALESCE(last_modified, ''),
	fetch_count, error_count, COALESCE(last_error, ''),
	last_fetched, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// ListSources returns every source, ranked sources first.
func (s *Store) ListSources(ctx context.Context) ([]ingest.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY rank IS NULL, rank ASC, id ASC`)
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
	src, err := scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Source{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Source{}, fmt.Errorf("get source %s: %w", id, err)
	}
	return src, nil
}

func scanSource(row rowScanner) (ingest.Source, error) {
	var (
		src         ingest.Source
		rank        sql.NullInt32
		lastFetched sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&src.ID, &src.URL, &src.Name, &rank,
		&src.ETag, &src.LastModified,
		&src.FetchCount, &src.ErrorCount, &src.LastError,
		&lastFetched, &createdAt, &updatedAt,
	); err != nil {
		return ingest.Source{}, err //nolint:wrapcheck // callers wrap with context
	}
	if rank.Valid {
		r := rank.Int32
		src.Rank = &r
	}
	src.LastFetched = fromMillis(lastFetched)
	src.CreatedAt = time.UnixMilli(createdAt).UTC()
	src.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return src, nil
}

// RecordSuccess resets the error streak and advances cache validators.
func (s *Store) RecordSuccess(ctx context.Context, id string, update ingest.SuccessUpdate) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sources SET
	fetch_count = fetch_count + 1,
	error_count = 0,
	last_error = NULL,
	etag = COALESCE(NULLIF(?, ''), etag),
	last_modified = COALESCE(NULLIF(?, ''), last_modified),
	last_fetched = ?,
	updated_at = ?
WHERE id = ?`,
		update.ETag, update.LastModified,
		update.FetchedAt.UnixMilli(), update.FetchedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record success for %s: %w", id, err)
	}
	return requireRow(res)
}

// RecordFailure bumps the error streak and stores the failure text.
func (s *Store) RecordFailure(ctx context.Context, id string, update ingest.FailureUpdate) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sources SET
	fetch_count = fetch_count + 1,
	error_count = error_count + 1,
	last_error = ?,
	last_fetched = ?,
	updated_at = ?
WHERE id = ?`,
		update.Error, update.FetchedAt.UnixMilli(), update.FetchedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// InsertItems writes items whose identity is not yet stored.
func (s *Store) InsertItems(ctx context.Context, sourceID string, items []ingest.Item) (int, error) {
	now := s.clock.Now().UnixMilli()
	inserted := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return inserted, fmt.Errorf("insert items: %w", err)
		}
		tags := item.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			s.logger.Warn("encode tags failed", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO items (
	id, source_id, title, link, permalink, published, updated,
	summary, content, author, tags, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, sourceID, item.Title, item.Link,
			nullString(item.Permalink), toMillis(item.Published), toMillis(item.Updated),
			item.Summary, item.Content, nullString(item.Author), string(tagsJSON), now)
		if err != nil {
			s.logger.Warn("insert item failed",
				zap.String("source_id", sourceID),
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			inserted++
		}
	}
	return inserted, nil
}

// ListItems returns a source's items, newest first, for tests that assert on stored rows.
func (s *Store) ListItems(ctx context.Context, sourceID string) ([]ingest.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source_id, title, link, COALESCE(permalink, ''), published, updated,
	summary, content, COALESCE(author, ''), tags, created_at
FROM items WHERE source_id = ? ORDER BY created_at DESC, id ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []ingest.Item
	for rows.Next() {
		var (
			item               ingest.Item
			published, updated sql.NullInt64
			tagsJSON           string
			createdAt          int64
		)
		if err := rows.Scan(&item.ID, &item.SourceID, &item.Title, &item.Link, &item.Permalink,
			&published, &updated, &item.Summary, &item.Content, &item.Author, &tagsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &item.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", item.ID, err)
		}
		item.Published = fromMillis(published)
		item.Updated = fromMillis(updated)
		item.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

// DeleteItemsBefore removes items created before cutoff.
func (s *Store) DeleteItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
