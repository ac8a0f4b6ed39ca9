// Package metrics exposes Prometheus collectors for the listing monitor.
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

var (
	proxyLeasesTotal          *prometheus.CounterVec
	proxyCircuitOpensTotal    prometheus.Counter
	fetchTotal                *prometheus.CounterVec
	fetchDurationSeconds      *prometheus.HistogramVec
	extractFieldsTotal        *prometheus.CounterVec
	taskTransitionsTotal      *prometheus.CounterVec
	activeWorkers             prometheus.Gauge
	alertsTotal               *prometheus.CounterVec
	notifyFailuresTotal       prometheus.Counter
	rateLimitDelaysSeconds    *prometheus.HistogramVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		proxyLeasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_proxy_leases_total",
				Help: "Proxy lease attempts, labeled by result (ok, exhausted).",
			},
			[]string{"result"},
		)

		proxyCircuitOpensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "listing_proxy_circuit_opens_total",
				Help: "Times a proxy endpoint circuit was opened or re-opened.",
			},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_fetch_total",
				Help: "Fetch attempts, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_fetch_duration_seconds",
				Help:    "Fetch latency per tier.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tier"},
		)

		extractFieldsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_extract_fields_total",
				Help: "Per-field extraction results, labeled by field and found (true/false).",
			},
			[]string{"field", "found"},
		)

		taskTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_task_transitions_total",
				Help: "Scrape task state transitions, labeled by target state.",
			},
			[]string{"state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listing_active_workers",
				Help: "Number of workers currently executing a scrape task.",
			},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_alerts_total",
				Help: "Alerts persisted, labeled by kind.",
			},
			[]string{"kind"},
		)

		notifyFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "listing_notify_failures_total",
				Help: "Notification deliveries that failed and were swallowed.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_rate_limit_delays_seconds",
				Help:    "Histogram of per-site rate limit wait durations.",
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

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
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

// ObserveProxyLease counts a lease attempt.
func ObserveProxyLease(result string) {
	Init()
	proxyLeasesTotal.WithLabelValues(result).Inc()
}

// ObserveCircuitOpen counts a circuit opening.
func ObserveCircuitOpen() {
	Init()
	proxyCircuitOpensTotal.Inc()
}

// ObserveFetch records one tier attempt. Outcome is ok, error, or suspicious.
func ObserveFetch(tier, outcome string, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(tier, outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(tier).Observe(duration.Seconds())
	}
}

// ObserveField records whether a snapshot field was extracted.
func ObserveField(field string, found bool) {
	Init()
	extractFieldsTotal.WithLabelValues(field, strconv.FormatBool(found)).Inc()
}

// ObserveTaskTransition counts a task entering state.
func ObserveTaskTransition(state string) {
	Init()
	taskTransitionsTotal.WithLabelValues(state).Inc()
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

// ObserveAlert counts a persisted alert.
func ObserveAlert(kind string) {
	Init()
	alertsTotal.WithLabelValues(kind).Inc()
}

// ObserveNotifyFailure counts a swallowed delivery failure.
func ObserveNotifyFailure() {
	Init()
	notifyFailuresTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an ops API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
