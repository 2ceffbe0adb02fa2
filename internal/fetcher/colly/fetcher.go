// Package collyfetcher implements the conditional feed fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBodyBytes = 10 << 20
	DefaultUserAgent    = "feed-ingestor/1.0"
	// FeedAccept prefers the syndication media types over generic XML.
	FeedAccept = "application/rss+xml, application/atom+xml, application/rdf+xml, " +
		"application/xml;q=0.9, text/xml;q=0.9, */*;q=0.8"
)

const maxRedirects = 10

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	// RedirectGuard, when set, vets every redirect hop before it is followed.
	RedirectGuard ingest.URLValidator
}

// Fetcher implements ingest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
		colly.UserAgent(cfg.UserAgent),
	)
	// The backend is shared by clones, so it is configured once here.
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(redirectPolicy(cfg.RedirectGuard))

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

func redirectPolicy(guard ingest.URLValidator) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if guard != nil {
			if err := guard.Validate(req.URL.String()); err != nil {
				return err
			}
		}
		return nil
	}
}

// Fetch performs one conditional GET. 2xx and 304 responses succeed; every other
// status and all transport failures come back as *ingest.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var (
		result   ingest.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return ingest.FetchResult{}, err
	}
	if result.StatusCode == 0 {
		return ingest.FetchResult{}, ingest.TransportError(errors.New("no response received"))
	}
	if result.StatusCode == http.StatusNotModified {
		result.NotModified = true
		result.Body = nil
		return result, nil
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return ingest.FetchResult{}, ingest.HTTPStatusError(result.StatusCode, http.StatusText(result.StatusCode))
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *ingest.FetchResult,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = ingest.FetchResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.ETag = r.Headers.Get("ETag")
			result.LastModified = r.Headers.Get("Last-Modified")
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request ingest.FetchRequest,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, request.URL, nil, nil, conditionalHeaders(request))
	}()

	select {
	case <-ctx.Done():
		return ingest.TransportError(fmt.Errorf("fetch %s: %w", request.URL, ctx.Err()))
	case err := <-done:
		if err != nil {
			var rejected *ingest.FetchError
			if errors.As(err, &rejected) {
				return rejected
			}
			return ingest.TransportError(err)
		}
		if *fetchErr != nil {
			return ingest.TransportError(*fetchErr)
		}
		return nil
	}
}

func conditionalHeaders(request ingest.FetchRequest) http.Header {
	hdr := http.Header{}
	hdr.Set("Accept", FeedAccept)
	if request.ETag != "" {
		hdr.Set("If-None-Match", request.ETag)
	}
	if request.LastModified != "" {
		hdr.Set("If-Modified-Since", request.LastModified)
	}
	return hdr
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
