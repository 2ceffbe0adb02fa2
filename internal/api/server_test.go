package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/dispatcher"
	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeDispatcher struct {
	out dispatcher.Result
	err error
}

func (f *fakeDispatcher) Run(context.Context) (dispatcher.Result, error) {
	return f.out, f.err
}

type fakePruner struct {
	deleted int64
	err     error
}

func (f fakePruner) Prune(context.Context) (int64, error) { return f.deleted, f.err }

type downStore struct {
	*memory.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, cfg Config) (*Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore(fakeClock{now: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)})
	rank := int32(2)
	require.NoError(t, store.PutSource(context.Background(), ingest.Source{
		ID:   "daring",
		URL:  "https://daringfireball.net/feeds/main",
		Name: "Daring Fireball",
		Rank: &rank,
	}))
	d := &fakeDispatcher{out: dispatcher.Result{DispatchID: "run-7", Enqueued: 1}}
	return NewServer(store, d, fakePruner{deleted: 4}, cfg, zap.NewNop()), store
}

func serve(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{})
	rec := serve(s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestServer_ReadyzStoreDown(t *testing.T) {
	t.Parallel()

	store := downStore{Store: memory.NewStore(fakeClock{})}
	s := NewServer(store, nil, nil, Config{}, nil)

	rec := serve(s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Dispatch(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{})
	rec := serve(s, http.MethodPost, "/v1/dispatch", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-7", body["dispatch_id"])
	assert.InDelta(t, 1, body["enqueued"], 0)
}

func TestServer_DispatchFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(fakeClock{})
	d := &fakeDispatcher{out: dispatcher.Result{DispatchID: "run-8", Enqueued: 100}, err: errors.New("queue enqueue: quota")}
	s := NewServer(store, d, nil, Config{}, nil)

	rec := serve(s, http.MethodPost, "/v1/dispatch", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enqueued":100`)
}

func TestServer_Prune(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{})
	rec := serve(s, http.MethodPost, "/v1/prune", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":4}`, rec.Body.String())
}

func TestServer_PruneNotConfigured(t *testing.T) {
	t.Parallel()

	s := NewServer(memory.NewStore(fakeClock{}), nil, nil, Config{}, nil)
	rec := serve(s, http.MethodPost, "/v1/prune", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_GetSource(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, Config{})
	require.NoError(t, store.RecordFailure(context.Background(), "daring", ingest.FailureUpdate{
		Error:     "HTTP 502: Bad Gateway",
		FetchedAt: time.Date(2024, 2, 1, 1, 0, 0, 0, time.UTC),
	}))

	rec := serve(s, http.MethodGet, "/v1/sources/daring", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var src ingest.Source
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &src))
	assert.Equal(t, "daring", src.ID)
	assert.Equal(t, int64(1), src.ErrorCount)
	assert.Equal(t, "HTTP 502: Bad Gateway", src.LastError)

	rec = serve(s, http.MethodGet, "/v1/sources/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListSources(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{})
	rec := serve(s, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{AuthEnabled: true, APIKey: "s3cret"})

	rec := serve(s, http.MethodPost, "/v1/dispatch", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(s, http.MethodPost, "/v1/dispatch", http.Header{"X-Api-Key": []string{"s3cret"}})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(s, http.MethodPost, "/v1/prune?api_key=s3cret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "health checks stay open")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{})
	serve(s, http.MethodGet, "/healthz", nil)
	rec := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackUnsupported(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
}

func (hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, errors.New("not really")
}

func TestResponseWriterHijackDelegates(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: hijackableRecorder{httptest.NewRecorder()}}
	_, _, err := rw.Hijack()
	require.ErrorContains(t, err, "hijack connection")
}
