// Package metrics exposes Prometheus collectors for the IndieWeb endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webmentionReceivedTotal       *prometheus.CounterVec
	webmentionVerificationsTotal  *prometheus.CounterVec
	webmentionFetchBytesTotal     prometheus.Counter
	webmentionFetchSeconds        prometheus.Histogram
	micropubRequestsTotal         *prometheus.CounterVec
	tokenVerificationsTotal       *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	verifierActiveWorkers         prometheus.Gauge
	outboundRateLimitDelaySeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		webmentionReceivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmention_received_total",
				Help: "Webmention requests received, labeled by result.",
			},
			[]string{"result"},
		)

		webmentionVerificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmention_verifications_total",
				Help: "Verification attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		// Source hosts are sender-chosen, so fetch and rate limit series carry
		// no host label.
		webmentionFetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webmention_fetch_bytes_total",
				Help: "Bytes fetched from mention sources.",
			},
		)

		webmentionFetchSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webmention_fetch_duration_seconds",
				Help:    "Histogram of source fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		micropubRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "micropub_requests_total",
				Help: "Micropub requests, labeled by operation and status code.",
			},
			[]string{"operation", "code"},
		)

		tokenVerificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indieauth_token_verifications_total",
				Help: "Bearer token verifications, labeled by result.",
			},
			[]string{"result"},
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

		verifierActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webmention_active_workers",
				Help: "Number of workers currently verifying a mention.",
			},
		)

		outboundRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbound_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReceived counts a webmention request by result (accepted, invalid).
func ObserveReceived(result string) {
	webmentionReceivedTotal.WithLabelValues(result).Inc()
}

// ObserveVerification counts a verification outcome.
func ObserveVerification(outcome string) {
	webmentionVerificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records a source fetch.
func ObserveFetch(bytesFetched int, duration time.Duration) {
	webmentionFetchSeconds.Observe(duration.Seconds())
	if bytesFetched > 0 {
		webmentionFetchBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveMicropub counts a Micropub request.
func ObserveMicropub(operation string, code int) {
	micropubRequestsTotal.WithLabelValues(operation, strconv.Itoa(code)).Inc()
}

// ObserveTokenVerification counts a token check (cache_hit, valid, invalid, forbidden).
func ObserveTokenVerification(result string) {
	tokenVerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	verifierActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	verifierActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	outboundRateLimitDelaySeconds.Observe(duration.Seconds())
}
