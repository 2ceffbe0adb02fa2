package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/hash/sha256"
	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/normalize"
	"github.com/JakeFAU/feed-ingestor/internal/policy/ssrf"
	"github.com/JakeFAU/feed-ingestor/internal/storage/memory"
)

const rssBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Links</title>
<item><title>One</title><link>https://example.com/1</link><guid isPermaLink="false">one</guid></item>
<item><title>Two</title><link>https://example.com/2</link><guid isPermaLink="false">two</guid></item>
</channel></rss>`

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubFetcher struct {
	result ingest.FetchResult
	err    error
	calls  int
	last   ingest.FetchRequest
}

func (s *stubFetcher) Fetch(_ context.Context, req ingest.FetchRequest) (ingest.FetchResult, error) {
	s.calls++
	s.last = req
	return s.result, s.err
}

type errNormalizer struct{}

func (errNormalizer) Normalize([]byte, string) (ingest.Feed, error) {
	return ingest.Feed{}, errors.New("parse rss: unexpected EOF")
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket gone")
}

type failingItems struct{}

func (failingItems) InsertItems(context.Context, string, []ingest.Item) (int, error) {
	return 0, context.Canceled
}

func (failingItems) DeleteItemsBefore(context.Context, time.Time) (int64, error) { return 0, nil }

var testNow = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

func newProcessor(t *testing.T, fetcher ingest.Fetcher, items ingest.ItemStore, blobs ingest.BlobStore) *Processor {
	t.Helper()
	p, err := New(Deps{
		Validator:  ssrf.New(),
		Fetcher:    fetcher,
		Normalizer: normalize.New(normalize.Config{}),
		Items:      items,
		Blobs:      blobs,
		Hasher:     sha256.New(),
		Clock:      fixedClock{now: testNow},
	}, Config{ArchivePrefix: "raw"}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func work() ingest.FetchWork {
	return ingest.FetchWork{
		SourceID:     "src-1",
		SourceURL:    "https://example.com/feed.xml",
		SourceName:   "Example",
		ETag:         `"v1"`,
		LastModified: "Sat, 09 Mar 2024 10:00:00 GMT",
	}
}

func TestProcessInsertsNewItemsAndArchives(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(fixedClock{now: testNow})
	blobs := memory.NewBlobStore()
	fetcher := &stubFetcher{result: ingest.FetchResult{
		StatusCode: 200,
		Body:       []byte(rssBody),
		ETag:       `"v2"`,
	}}
	p := newProcessor(t, fetcher, store, blobs)

	out := p.Process(context.Background(), work())
	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.NewEntries)
	assert.Equal(t, `"v2"`, out.ETag)
	assert.Empty(t, out.Error())

	assert.Equal(t, `"v1"`, fetcher.last.ETag)
	assert.Equal(t, "Sat, 09 Mar 2024 10:00:00 GMT", fetcher.last.LastModified)

	digest, err := sha256.New().Hash([]byte(rssBody))
	require.NoError(t, err)
	body, ok := blobs.Object("raw/src-1/2024-03-09/" + digest + ".xml")
	require.True(t, ok)
	assert.Equal(t, rssBody, string(body))

	again := p.Process(context.Background(), work())
	require.NoError(t, again.Err)
	assert.True(t, again.Success)
	assert.Zero(t, again.NewEntries)
}

func TestProcessNotModified(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(fixedClock{now: testNow})
	blobs := memory.NewBlobStore()
	fetcher := &stubFetcher{result: ingest.FetchResult{StatusCode: 304, NotModified: true}}
	p := newProcessor(t, fetcher, store, blobs)

	out := p.Process(context.Background(), work())
	assert.True(t, out.Success)
	assert.True(t, out.NotModified)
	assert.Zero(t, out.NewEntries)
	assert.Zero(t, blobs.Len())
}

func TestProcessRejectsPrivateURL(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	p := newProcessor(t, fetcher, memory.NewStore(fixedClock{now: testNow}), nil)

	w := work()
	w.SourceURL = "http://169.254.169.254/latest/meta-data"
	out := p.Process(context.Background(), w)
	assert.False(t, out.Success)
	require.Error(t, out.Err)
	assert.False(t, ingest.IsRetryable(out.Err))
	assert.Zero(t, fetcher.calls)
}

func TestProcessFetchErrorsPassThrough(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{err: ingest.HTTPStatusError(503, "Service Unavailable")}
	p := newProcessor(t, fetcher, memory.NewStore(fixedClock{now: testNow}), nil)

	out := p.Process(context.Background(), work())
	assert.False(t, out.Success)
	assert.Equal(t, "HTTP 503: Service Unavailable", out.Error())
	assert.True(t, ingest.IsRetryable(out.Err))
}

func TestProcessMalformedFeedIsTerminal(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{result: ingest.FetchResult{StatusCode: 200, Body: []byte(`<rss>`)}}
	p, err := New(Deps{
		Validator:  ssrf.New(),
		Fetcher:    fetcher,
		Normalizer: errNormalizer{},
		Items:      memory.NewStore(fixedClock{now: testNow}),
		Clock:      fixedClock{now: testNow},
	}, Config{}, nil)
	require.NoError(t, err)

	out := p.Process(context.Background(), work())
	assert.False(t, out.Success)
	require.Error(t, out.Err)
	assert.Equal(t, "parse feed: parse rss: unexpected EOF", out.Error())
	assert.False(t, ingest.IsRetryable(out.Err))
}

func TestProcessUnknownShapeSucceedsEmpty(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{result: ingest.FetchResult{
		StatusCode: 200,
		Body:       []byte(`{"version":"https://jsonfeed.org/version/1"}`),
	}}
	p := newProcessor(t, fetcher, memory.NewStore(fixedClock{now: testNow}), nil)

	out := p.Process(context.Background(), work())
	assert.True(t, out.Success)
	assert.Zero(t, out.NewEntries)
}

func TestProcessArchiveFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{result: ingest.FetchResult{StatusCode: 200, Body: []byte(rssBody)}}
	p := newProcessor(t, fetcher, memory.NewStore(fixedClock{now: testNow}), failingBlobs{})

	out := p.Process(context.Background(), work())
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.NewEntries)
}

func TestProcessStoreFailure(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{result: ingest.FetchResult{StatusCode: 200, Body: []byte(rssBody)}}
	p := newProcessor(t, fetcher, failingItems{}, nil)

	out := p.Process(context.Background(), work())
	assert.False(t, out.Success)
	assert.Contains(t, out.Error(), "store items")
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "raw/s/2024-01-02/abc.xml", ArchivePath("/raw/", "s", "2024-01-02", "abc"))
	assert.Equal(t, "s/2024-01-02/abc.xml", ArchivePath("", "s", "2024-01-02", "abc"))
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}
