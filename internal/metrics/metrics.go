// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch results used as the "result" label.
const (
	ResultOK          = "ok"
	ResultNotModified = "not_modified"
	ResultRejected    = "rejected"
	ResultHTTPError   = "http_error"
	ResultTransport   = "transport_error"
	ResultParseError  = "parse_error"
	ResultStoreError  = "store_error"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	itemsInsertedTotal         *prometheus.CounterVec
	itemsSkippedTotal          *prometheus.CounterVec
	deliveriesTotal            *prometheus.CounterVec
	dispatchEnqueuedTotal      prometheus.Counter
	prunedItemsTotal           prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_fetch_total",
				Help: "Feed fetch attempts, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestor_fetch_duration_seconds",
				Help:    "Histogram of conditional GET latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"site"},
		)

		itemsInsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_items_inserted_total",
				Help: "Items stored for the first time, labeled by site.",
			},
			[]string{"site"},
		)

		itemsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_items_skipped_total",
				Help: "Items not stored, labeled by reason.",
			},
			[]string{"reason"},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_deliveries_total",
				Help: "Queue deliveries handled, labeled by decision.",
			},
			[]string{"decision"},
		)

		dispatchEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestor_dispatch_enqueued_total",
				Help: "Fetch work items enqueued by dispatch runs.",
			},
		)

		prunedItemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestor_pruned_items_total",
				Help: "Items removed by the retention pruner.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestor_active_workers",
				Help: "Number of deliveries currently being processed.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestor_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(sourceURL, result string, duration time.Duration) {
	Init()
	site := SanitizeSite(sourceURL)
	fetchTotal.WithLabelValues(site, result).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	}
}

// ObserveItems records inserted and duplicate item counts for one run.
func ObserveItems(sourceURL string, inserted, duplicates, parseErrors int) {
	Init()
	if inserted > 0 {
		itemsInsertedTotal.WithLabelValues(SanitizeSite(sourceURL)).Add(float64(inserted))
	}
	if duplicates > 0 {
		itemsSkippedTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	}
	if parseErrors > 0 {
		itemsSkippedTotal.WithLabelValues("parse_error").Add(float64(parseErrors))
	}
}

// ObserveDelivery counts a queue decision ("ack" or "retry").
func ObserveDelivery(decision string) {
	Init()
	deliveriesTotal.WithLabelValues(decision).Inc()
}

// ObserveDispatch adds to the enqueued work counter.
func ObserveDispatch(enqueued int) {
	Init()
	dispatchEnqueuedTotal.Add(float64(enqueued))
}

// ObservePrune adds to the pruned item counter.
func ObservePrune(deleted int64) {
	Init()
	prunedItemsTotal.Add(float64(deleted))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
