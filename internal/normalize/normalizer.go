// Package normalize parses RSS 2.0, RDF/RSS 1.0 and Atom documents into canonical
// feed items.
//
// Dialect detection and XML decoding are delegated to gofeed's format-specific
// parsers so that relation attributes (Atom rel, RSS isPermaLink) survive. Every
// entry is first flattened into a dialect-neutral candidate, then run through
// ordered extractor lists where the first non-empty value wins.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"

	"github.com/JakeFAU/feed-ingestor/internal/hash/rolling"
	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

// Length ceilings and markers applied to item bodies.
const (
	DefaultSummaryMaxRunes = 1000
	DefaultContentMaxRunes = 10000
	EllipsisMarker         = "..."
	PlaceholderTitle       = "Untitled Feed"
)

// Config tunes the Normalizer.
type Config struct {
	SummaryMaxRunes int
	ContentMaxRunes int
}

// Normalizer implements ingest.Normalizer.
type Normalizer struct {
	cfg Config
}

// New builds a Normalizer, applying default limits for zero values.
func New(cfg Config) *Normalizer {
	if cfg.SummaryMaxRunes <= 0 {
		cfg.SummaryMaxRunes = DefaultSummaryMaxRunes
	}
	if cfg.ContentMaxRunes <= 0 {
		cfg.ContentMaxRunes = DefaultContentMaxRunes
	}
	return &Normalizer{cfg: cfg}
}

// Normalize parses body and returns the feed title plus candidate items.
// Documents of an unrecognized shape yield an empty feed with a placeholder title.
func (n *Normalizer) Normalize(body []byte, sourceURL string) (ingest.Feed, error) {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS:
		parsed, err := (&rss.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return ingest.Feed{}, fmt.Errorf("parse rss: %w", err)
		}
		return n.fromRSS(parsed, sourceURL), nil
	case gofeed.FeedTypeAtom:
		parsed, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return ingest.Feed{}, fmt.Errorf("parse atom: %w", err)
		}
		titleType, types := atomTypes(body)
		return n.fromAtom(parsed, sourceURL, titleType, types), nil
	default:
		return ingest.Feed{Title: PlaceholderTitle, Items: []ingest.Item{}}, nil
	}
}

func (n *Normalizer) fromRSS(parsed *rss.Feed, sourceURL string) ingest.Feed {
	feed := ingest.Feed{Title: strings.TrimSpace(parsed.Title), Items: make([]ingest.Item, 0, len(parsed.Items))}
	for idx, entry := range parsed.Items {
		item, err := n.safeBuild(idx, sourceURL, func() (candidate, error) {
			if entry == nil {
				return candidate{}, errEmptyEntry
			}
			return rssCandidate(entry), nil
		})
		if err != nil {
			feed.ItemErrors = append(feed.ItemErrors, err)
			continue
		}
		feed.Items = append(feed.Items, item)
	}
	return feed
}

func (n *Normalizer) fromAtom(parsed *atom.Feed, sourceURL, titleType string, types []textTypes) ingest.Feed {
	feed := ingest.Feed{
		Title: textOf(parsed.Title, isMarkup(titleType)),
		Items: make([]ingest.Item, 0, len(parsed.Entries)),
	}
	// Types are matched to entries by position; a count mismatch means the two parsers
	// disagreed and no type is trusted.
	if len(types) != len(parsed.Entries) {
		types = make([]textTypes, len(parsed.Entries))
	}
	for idx, entry := range parsed.Entries {
		item, err := n.safeBuild(idx, sourceURL, func() (candidate, error) {
			if entry == nil {
				return candidate{}, errEmptyEntry
			}
			return atomCandidate(entry, types[idx]), nil
		})
		if err != nil {
			feed.ItemErrors = append(feed.ItemErrors, err)
			continue
		}
		feed.Items = append(feed.Items, item)
	}
	return feed
}

var errEmptyEntry = errors.New("empty entry")

// safeBuild isolates a single malformed entry from the rest of the document.
func (n *Normalizer) safeBuild(
	idx int,
	sourceURL string,
	flatten func() (candidate, error),
) (item ingest.Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("normalize entry %d: panic: %v", idx, r)
		}
	}()
	c, err := flatten()
	if err != nil {
		return ingest.Item{}, fmt.Errorf("normalize entry %d: %w", idx, err)
	}
	return n.build(c, sourceURL), nil
}

func (n *Normalizer) build(c candidate, sourceURL string) ingest.Item {
	link := firstOf(c, linkExtractors...)
	if link == "" {
		link = sourceURL
	}
	id := firstOf(c, identityExtractors...)
	if id == "" {
		id = rolling.Identity(c.title, link)
	}
	published := firstTime(c, publishedExtractors...)
	updated := firstTime(c, updatedExtractors...)
	if updated == nil {
		updated = published
	}
	return ingest.Item{
		ID:        id,
		Title:     c.title,
		Link:      link,
		Permalink: firstOf(c, permalinkExtractors...),
		Published: published,
		Updated:   updated,
		Summary:   truncate(firstOf(c, summaryExtractors...), n.cfg.SummaryMaxRunes),
		Content:   truncate(firstOf(c, contentExtractors...), n.cfg.ContentMaxRunes),
		Author:    firstOf(c, authorExtractors...),
		Tags:      normalizeTags(c.tags),
	}
}
