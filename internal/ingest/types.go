package ingest

import (
	"time"
)

// Source is one subscribed feed endpoint and its fetch health.
type Source struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Name         string     `json:"name"`
	Rank         *int32     `json:"rank,omitempty"`
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"last_modified,omitempty"`
	FetchCount   int64      `json:"fetch_count"`
	ErrorCount   int64      `json:"error_count"`
	LastError    string     `json:"last_error,omitempty"`
	LastFetched  *time.Time `json:"last_fetched,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Item is a normalized, deduplicated piece of content from a Source.
// Items are written once and never updated.
type Item struct {
	ID        string     `json:"id"`
	SourceID  string     `json:"source_id"`
	Title     string     `json:"title"`
	Link      string     `json:"link"`
	Permalink string     `json:"permalink,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	Updated   *time.Time `json:"updated,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	Content   string     `json:"content,omitempty"`
	Author    string     `json:"author,omitempty"`
	Tags      []string   `json:"tags"`
	CreatedAt time.Time  `json:"created_at"`
}

// FetchWork is the queued unit of work for a single source. The validators are a
// snapshot taken at enqueue time.
type FetchWork struct {
	SourceID     string `json:"sourceId"`
	SourceURL    string `json:"sourceUrl"`
	SourceName   string `json:"sourceName"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// WorkFromSource snapshots a source into a FetchWork message.
func WorkFromSource(src Source) FetchWork {
	return FetchWork{
		SourceID:     src.ID,
		SourceURL:    src.URL,
		SourceName:   src.Name,
		ETag:         src.ETag,
		LastModified: src.LastModified,
	}
}

// Delivery wraps a FetchWork with transport metadata.
type Delivery struct {
	Work       FetchWork
	Attempt    int
	DispatchID string
}

// FetchRequest captures everything needed for a conditional GET.
type FetchRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// FetchResult is a completed 2xx or 304 fetch.
type FetchResult struct {
	URL          string
	StatusCode   int
	NotModified  bool
	Body         []byte
	ETag         string
	LastModified string
	Duration     time.Duration
}

// Feed is the normalizer output: a title plus candidate items not yet persisted.
type Feed struct {
	Title      string
	Items      []Item
	ItemErrors []error
}

// Outcome is the pipeline result reported back to the queue layer.
type Outcome struct {
	Success      bool
	NewEntries   int
	NotModified  bool
	ETag         string
	LastModified string
	Err          error
}

// Error returns the failure text, or "" for successful outcomes.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// SuccessUpdate is applied to a source after a successful attempt.
type SuccessUpdate struct {
	ETag         string
	LastModified string
	FetchedAt    time.Time
}

// FailureUpdate is applied to a source after a failed attempt.
type FailureUpdate struct {
	Error     string
	FetchedAt time.Time
}
