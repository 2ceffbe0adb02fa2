// Package pipeline runs one FetchWork through validation, conditional fetch,
// normalization and deduplicating persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/metrics"
	"github.com/JakeFAU/feed-ingestor/internal/telemetry"
)

// ArchiveContentType is stored alongside archived feed documents.
const ArchiveContentType = "application/xml"

// Config controls optional pipeline behavior.
type Config struct {
	// ArchivePrefix is the leading path segment for archived raw documents.
	ArchivePrefix string
}

// Deps lists the collaborators of a Processor. Blobs and Hasher are optional;
// when either is nil raw documents are not archived.
type Deps struct {
	Validator  ingest.URLValidator
	Fetcher    ingest.Fetcher
	Normalizer ingest.Normalizer
	Items      ingest.ItemStore
	Blobs      ingest.BlobStore
	Hasher     ingest.Hasher
	Clock      ingest.Clock
}

// Processor executes the per-source pipeline.
type Processor struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Processor.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Processor, error) {
	switch {
	case deps.Validator == nil:
		return nil, errors.New("pipeline: validator is required")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Normalizer == nil:
		return nil, errors.New("pipeline: normalizer is required")
	case deps.Items == nil:
		return nil, errors.New("pipeline: item store is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{deps: deps, cfg: cfg, logger: logger}, nil
}

// Process runs Validator, Fetcher, Normalizer and ItemStore for one unit of work.
// It never returns an error directly; failures are reported in the Outcome.
func (p *Processor) Process(ctx context.Context, work ingest.FetchWork) ingest.Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.id", work.SourceID),
		attribute.String("source.url", work.SourceURL),
	)

	out := p.process(ctx, work)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Error())
	}
	span.SetAttributes(
		attribute.Int("items.new", out.NewEntries),
		attribute.Bool("fetch.not_modified", out.NotModified),
	)
	return out
}

func (p *Processor) process(ctx context.Context, work ingest.FetchWork) ingest.Outcome {
	logger := p.logger.With(telemetry.LogFields(ctx)...).
		With(zap.String("source_id", work.SourceID), zap.String("url", work.SourceURL))

	if err := p.deps.Validator.Validate(work.SourceURL); err != nil {
		metrics.ObserveFetch(work.SourceURL, metrics.ResultRejected, 0)
		return failed(err)
	}

	res, err := p.deps.Fetcher.Fetch(ctx, ingest.FetchRequest{
		URL:          work.SourceURL,
		ETag:         work.ETag,
		LastModified: work.LastModified,
	})
	if err != nil {
		metrics.ObserveFetch(work.SourceURL, fetchResultLabel(err), res.Duration)
		return failed(err)
	}

	if res.NotModified {
		metrics.ObserveFetch(work.SourceURL, metrics.ResultNotModified, res.Duration)
		logger.Debug("feed not modified")
		return ingest.Outcome{
			Success:      true,
			NotModified:  true,
			ETag:         res.ETag,
			LastModified: res.LastModified,
		}
	}

	p.archive(ctx, work, res.Body, logger)

	feed, err := p.deps.Normalizer.Normalize(res.Body, work.SourceURL)
	if err != nil {
		metrics.ObserveFetch(work.SourceURL, metrics.ResultParseError, res.Duration)
		return failed(fmt.Errorf("parse feed: %w", err))
	}
	for _, itemErr := range feed.ItemErrors {
		logger.Warn("skipping malformed item", zap.Error(itemErr))
	}

	inserted, err := p.deps.Items.InsertItems(ctx, work.SourceID, feed.Items)
	if err != nil {
		metrics.ObserveFetch(work.SourceURL, metrics.ResultStoreError, res.Duration)
		return failed(fmt.Errorf("store items: %w", err))
	}

	metrics.ObserveFetch(work.SourceURL, metrics.ResultOK, res.Duration)
	metrics.ObserveItems(work.SourceURL, inserted, len(feed.Items)-inserted, len(feed.ItemErrors))
	logger.Info("feed ingested",
		zap.String("feed_title", feed.Title),
		zap.Int("candidates", len(feed.Items)),
		zap.Int("new_entries", inserted),
		zap.Duration("fetch_duration", res.Duration),
	)
	return ingest.Outcome{
		Success:      true,
		NewEntries:   inserted,
		ETag:         res.ETag,
		LastModified: res.LastModified,
	}
}

// archive writes the raw body to the blob store. Failures are logged only.
func (p *Processor) archive(ctx context.Context, work ingest.FetchWork, body []byte, logger *zap.Logger) {
	if p.deps.Blobs == nil || p.deps.Hasher == nil || len(body) == 0 {
		return
	}
	digest, err := p.deps.Hasher.Hash(body)
	if err != nil {
		logger.Warn("hash feed body failed", zap.Error(err))
		return
	}
	path := ArchivePath(p.cfg.ArchivePrefix, work.SourceID, p.deps.Clock.Now().UTC().Format("2006-01-02"), digest)
	uri, err := p.deps.Blobs.PutObject(ctx, path, ArchiveContentType, body)
	if err != nil {
		logger.Warn("archive feed body failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("archived feed body", zap.String("uri", uri))
}

// ArchivePath builds <prefix>/<source_id>/<day>/<digest>.xml, omitting an empty prefix.
func ArchivePath(prefix, sourceID, day, digest string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.xml", sourceID, day, digest)
	}
	return fmt.Sprintf("%s/%s/%s/%s.xml", prefix, sourceID, day, digest)
}

func failed(err error) ingest.Outcome {
	return ingest.Outcome{Err: err}
}

func fetchResultLabel(err error) string {
	var fe *ingest.FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case ingest.KindRejected:
			return metrics.ResultRejected
		case ingest.KindHTTP:
			return metrics.ResultHTTPError
		}
	}
	return metrics.ResultTransport
}
