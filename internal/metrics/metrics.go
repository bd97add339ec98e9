// Package metrics exposes Prometheus collectors for the crawl orchestrator.
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
	crawlUnitsTotal           *prometheus.CounterVec
	providerRequestSeconds    *prometheus.HistogramVec
	providerThrottleTotal     *prometheus.CounterVec
	providerErrorsTotal       *prometheus.CounterVec
	breakerState              *prometheus.GaugeVec
	crawlActiveUnits          prometheus.Gauge
	rateLimitDelaySeconds     *prometheus.HistogramVec
	resultWriteFailuresTotal  prometheus.Counter
	batchDeadlineSeconds      *prometheus.GaugeVec
	batchUnits                *prometheus.GaugeVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_units_total",
				Help: "Total work units resolved, labeled by provider and terminal outcome.",
			},
			[]string{"provider", "outcome"},
		)

		providerRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Histogram of provider call latencies, labeled by provider.",
				Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 15, 30, 60},
			},
			[]string{"provider"},
		)

		providerThrottleTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_throttle_total",
				Help: "Total 429 responses received, labeled by provider.",
			},
			[]string{"provider"},
		)

		providerErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total failed provider calls, labeled by provider and error kind.",
			},
			[]string{"provider", "kind"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breaker_state",
				Help: "Circuit breaker state per provider: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"provider"},
		)

		crawlActiveUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_units",
				Help: "Number of work units currently in flight.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delay_seconds",
				Help:    "Histogram of rate limiter wait durations, labeled by provider.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		)

		resultWriteFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "result_write_failures_total",
				Help: "Total result writes abandoned after exhausting the persistence retry budget.",
			},
		)

		batchDeadlineSeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batch_deadline_seconds",
				Help: "Seconds remaining until the batch deadline, labeled soft or hard.",
			},
			[]string{"kind"},
		)

		batchUnits = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batch_units",
				Help: "Current batch unit counts, labeled by state.",
			},
			[]string{"state"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUnit records a terminal unit outcome.
func ObserveUnit(provider string, outcome string) {
	crawlUnitsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveProviderCall records the latency of one provider invocation.
func ObserveProviderCall(provider string, duration time.Duration) {
	providerRequestSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveThrottle increments the 429 counter for a provider.
func ObserveThrottle(provider string) {
	providerThrottleTotal.WithLabelValues(provider).Inc()
}

// ObserveProviderError records a classified provider failure.
func ObserveProviderError(provider string, kind string) {
	providerErrorsTotal.WithLabelValues(provider, kind).Inc()
}

// SetBreakerState publishes the numeric breaker state for a provider.
func SetBreakerState(provider string, state float64) {
	breakerState.WithLabelValues(provider).Set(state)
}

// IncActiveUnits increments the in-flight unit gauge.
func IncActiveUnits() {
	crawlActiveUnits.Inc()
}

// DecActiveUnits decrements the in-flight unit gauge.
func DecActiveUnits() {
	crawlActiveUnits.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(provider string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveResultWriteFailure counts an abandoned result write.
func ObserveResultWriteFailure() {
	resultWriteFailuresTotal.Inc()
}

// SetDeadlineRemaining publishes seconds until the soft or hard deadline.
func SetDeadlineRemaining(kind string, seconds float64) {
	batchDeadlineSeconds.WithLabelValues(kind).Set(seconds)
}

// SetBatchUnits publishes a unit count for one accounting state.
func SetBatchUnits(state string, count float64) {
	batchUnits.WithLabelValues(state).Set(count)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
