package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/feed.xml", "example.com"},
		{"standard https", "https://Example.com/rss", "example.com"},
		{"no scheme", "example.com/atom.xml", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchTotal == nil || itemsInsertedTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetchAndItems(t *testing.T) {
	ObserveFetch("https://metrics-a.test/feed", ResultOK, 120*time.Millisecond)
	ObserveFetch("https://metrics-a.test/feed", ResultNotModified, 0)
	ObserveItems("https://metrics-a.test/feed", 3, 2, 1)

	if val := testutil.ToFloat64(fetchTotal.WithLabelValues("metrics-a.test", ResultOK)); val != 1 {
		t.Errorf("expected 1 ok fetch, got %f", val)
	}
	if val := testutil.ToFloat64(fetchTotal.WithLabelValues("metrics-a.test", ResultNotModified)); val != 1 {
		t.Errorf("expected 1 not_modified fetch, got %f", val)
	}
	if val := testutil.ToFloat64(itemsInsertedTotal.WithLabelValues("metrics-a.test")); val != 3 {
		t.Errorf("expected 3 inserted items, got %f", val)
	}
}

func TestWorkerGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != before+1 {
		t.Errorf("expected gauge %f, got %f", before+1, got)
	}
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != before {
		t.Errorf("expected gauge %f, got %f", before, got)
	}
}

func TestObserveDispatchAndPrune(t *testing.T) {
	Init()
	dispatched := testutil.ToFloat64(dispatchEnqueuedTotal)
	pruned := testutil.ToFloat64(prunedItemsTotal)

	ObserveDispatch(4)
	ObservePrune(7)

	if got := testutil.ToFloat64(dispatchEnqueuedTotal); got != dispatched+4 {
		t.Errorf("expected %f dispatched, got %f", dispatched+4, got)
	}
	if got := testutil.ToFloat64(prunedItemsTotal); got != pruned+7 {
		t.Errorf("expected %f pruned, got %f", pruned+7, got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://blog.example.org/feed", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
