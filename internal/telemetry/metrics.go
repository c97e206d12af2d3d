// Package telemetry exposes Prometheus collectors for the fetch client.
package telemetry

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

var (
	fetchesTotal         *prometheus.CounterVec
	fetchBytesTotal      *prometheus.CounterVec
	retriesTotal         *prometheus.CounterVec
	warmupsTotal         *prometheus.CounterVec
	headlessRendersTotal *prometheus.CounterVec
	cacheReuseTotal      *prometheus.CounterVec
	rateLimitDelays      *prometheus.HistogramVec
	attemptDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call more than
// once.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_requests_total",
				Help: "Total fetch calls, labeled by host and final status.",
			},
			[]string{"host", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_bytes_total",
				Help: "Total bytes returned to callers, labeled by host.",
			},
			[]string{"host"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_retries_total",
				Help: "Total retried attempts, labeled by host.",
			},
			[]string{"host"},
		)

		warmupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_warmups_total",
				Help: "Total warmup requests, labeled by host and result.",
			},
			[]string{"host", "result"},
		)

		headlessRendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_headless_renders_total",
				Help: "Total headless renders, labeled by host and result.",
			},
			[]string{"host", "result"},
		)

		cacheReuseTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_cache_reuse_total",
				Help: "Total fetches served from the page cache, labeled by host.",
			},
			[]string{"host"},
		)

		rateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		attemptDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_attempt_duration_seconds",
				Help:    "Histogram of single HTTP attempt latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL or host string.
// It returns "unknown" when nothing usable can be parsed.
func SanitizeHost(raw string) string {
	if raw == "" {
		return "unknown"
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a completed fetch call.
func ObserveFetch(host string, status int, bytes int) {
	Init()
	h := SanitizeHost(host)
	fetchesTotal.WithLabelValues(h, strconv.Itoa(status)).Inc()
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(h).Add(float64(bytes))
	}
}

// ObserveRetry counts one retried attempt for a host.
func ObserveRetry(host string) {
	Init()
	retriesTotal.WithLabelValues(SanitizeHost(host)).Inc()
}

// ObserveWarmup records the outcome of a warmup request.
func ObserveWarmup(host string, result string) {
	Init()
	warmupsTotal.WithLabelValues(SanitizeHost(host), result).Inc()
}

// ObserveHeadless records the outcome of a headless render.
func ObserveHeadless(host string, result string) {
	Init()
	headlessRendersTotal.WithLabelValues(SanitizeHost(host), result).Inc()
}

// ObserveCacheReuse counts a fetch answered from the page cache.
func ObserveCacheReuse(host string) {
	Init()
	cacheReuseTotal.WithLabelValues(SanitizeHost(host)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	Init()
	rateLimitDelays.WithLabelValues(SanitizeHost(host)).Observe(delay.Seconds())
}

// ObserveAttempt records the latency of a single HTTP attempt.
func ObserveAttempt(host string, elapsed time.Duration) {
	Init()
	attemptDuration.WithLabelValues(SanitizeHost(host)).Observe(elapsed.Seconds())
}
