package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/policy/ssrf"
)

const rssBody = `<rss version="2.0"><channel><title>T</title></channel></rss>`

func TestFetchOK(t *testing.T) {
	t.Parallel()

	var gotAccept, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		_, _ = w.Write([]byte(rssBody))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent"})
	res, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.False(t, res.NotModified)
	require.Equal(t, rssBody, string(res.Body))
	require.Equal(t, `"v1"`, res.ETag)
	require.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", res.LastModified)
	require.Equal(t, FeedAccept, gotAccept)
	require.Equal(t, "test-agent", gotUA)
}

func TestFetchNotModified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` &&
			r.Header.Get("If-Modified-Since") == "Mon, 02 Jan 2006 15:04:05 GMT" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte(rssBody))
	}))
	defer srv.Close()

	f := New(Config{})
	res, err := f.Fetch(context.Background(), ingest.FetchRequest{
		URL:          srv.URL,
		ETag:         `"v1"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	})
	require.NoError(t, err)
	require.True(t, res.NotModified)
	require.Equal(t, http.StatusNotModified, res.StatusCode)
	require.Empty(t, res.Body)
}

func TestFetchHTTPErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		message   string
		retryable bool
	}{
		{http.StatusServiceUnavailable, "HTTP 503: Service Unavailable", true},
		{http.StatusNotFound, "HTTP 404: Not Found", false},
		{http.StatusGatewayTimeout, "HTTP 504: Gateway Timeout", true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))

		_, err := New(Config{}).Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})
		srv.Close()

		require.Error(t, err)
		var fe *ingest.FetchError
		require.True(t, errors.As(err, &fe))
		require.Equal(t, ingest.KindHTTP, fe.Kind)
		require.Equal(t, tc.status, fe.StatusCode)
		require.Equal(t, tc.message, err.Error())
		require.Equal(t, tc.retryable, ingest.IsRetryable(err))
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Config{Timeout: 100 * time.Millisecond}).Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	var fe *ingest.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, ingest.KindTransport, fe.Kind)
	require.True(t, fe.Timeout)
	require.True(t, ingest.IsRetryable(err))
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), ingest.FetchRequest{URL: addr})
	require.Error(t, err)
	var fe *ingest.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, ingest.KindTransport, fe.Kind)
	require.True(t, ingest.IsRetryable(err))
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(rssBody))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := New(Config{}).Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/new", res.URL)
	require.Equal(t, rssBody, string(res.Body))
}

func TestFetchRedirectGuard(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://10.0.0.1/feed", http.StatusFound)
	}))
	defer srv.Close()

	_, err := New(Config{RedirectGuard: ssrf.New()}).Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.Contains(t, err.Error(), "10.0.0.1")
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Fetch(ctx, ingest.FetchRequest{URL: "http://127.0.0.1:1/feed"})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var result ingest.FetchResult
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Now(), &result, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Etag": {`"abc"`}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/feed")},
	})
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, `"abc"`, result.ETag)
	require.Equal(t, "https://example.com/feed", result.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestConditionalHeaders(t *testing.T) {
	t.Parallel()

	hdr := conditionalHeaders(ingest.FetchRequest{URL: "https://example.com"})
	require.Empty(t, hdr.Get("If-None-Match"))
	require.Empty(t, hdr.Get("If-Modified-Since"))
	require.Equal(t, FeedAccept, hdr.Get("Accept"))

	hdr = conditionalHeaders(ingest.FetchRequest{ETag: "e", LastModified: "lm"})
	require.Equal(t, "e", hdr.Get("If-None-Match"))
	require.Equal(t, "lm", hdr.Get("If-Modified-Since"))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
