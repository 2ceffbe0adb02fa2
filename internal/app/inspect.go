package app

import (
	"context"
	"fmt"

	"github.com/JakeFAU/feed-ingestor/internal/config"
	collyfetcher "github.com/JakeFAU/feed-ingestor/internal/fetcher/colly"
	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/normalize"
	"github.com/JakeFAU/feed-ingestor/internal/policy/ssrf"
)

// InspectResult is what a dry run learns about a feed URL.
type InspectResult struct {
	URL          string        `json:"url"`
	StatusCode   int           `json:"status_code"`
	ETag         string        `json:"etag,omitempty"`
	LastModified string        `json:"last_modified,omitempty"`
	Title        string        `json:"title"`
	Items        []ingest.Item `json:"items"`
	ItemErrors   []string      `json:"item_errors,omitempty"`
}

// Inspector validates, fetches and normalizes a URL without persisting anything.
type Inspector struct {
	validator  ingest.URLValidator
	fetcher    ingest.Fetcher
	normalizer ingest.Normalizer
}

// NewInspector builds an Inspector from configuration.
func NewInspector(cfg config.Config) *Inspector {
	validator := ssrf.New()
	return &Inspector{
		validator: validator,
		fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			Timeout:       cfg.FetchTimeout(),
			MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
			RedirectGuard: validator,
		}),
		normalizer: normalize.New(normalize.Config{
			SummaryMaxRunes: cfg.Normalize.SummaryMaxRunes,
			ContentMaxRunes: cfg.Normalize.ContentMaxRunes,
		}),
	}
}

// Inspect runs an unconditional fetch of rawURL and returns the normalized feed.
func (i *Inspector) Inspect(ctx context.Context, rawURL string) (InspectResult, error) {
	if err := i.validator.Validate(rawURL); err != nil {
		return InspectResult{}, err
	}
	res, err := i.fetcher.Fetch(ctx, ingest.FetchRequest{URL: rawURL})
	if err != nil {
		return InspectResult{}, err
	}
	feed, err := i.normalizer.Normalize(res.Body, rawURL)
	if err != nil {
		return InspectResult{}, fmt.Errorf("parse feed: %w", err)
	}
	out := InspectResult{
		URL:          res.URL,
		StatusCode:   res.StatusCode,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		Title:        feed.Title,
		Items:        feed.Items,
	}
	for _, itemErr := range feed.ItemErrors {
		out.ItemErrors = append(out.ItemErrors, itemErr.Error())
	}
	return out, nil
}
