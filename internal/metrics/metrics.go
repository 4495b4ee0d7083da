// Package metrics exposes Prometheus collectors for the lead service.
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
	accountsDiscoveredTotal    *prometheus.CounterVec
	enrichmentsTotal           *prometheus.CounterVec
	leadsScoredTotal           *prometheus.CounterVec
	scoringDurationSeconds     prometheus.Histogram
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		accountsDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_accounts_discovered_total",
				Help: "Total number of accounts registered, labeled by ingestion source.",
			},
			[]string{"source"},
		)

		enrichmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_enrichments_total",
				Help: "Total number of enrichment attempts, labeled by resulting account status.",
			},
			[]string{"status"},
		)

		leadsScoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_leads_scored_total",
				Help: "Total number of leads scored, labeled by scorer.",
			},
			[]string{"scorer"},
		)

		scoringDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leadradar_scoring_duration_seconds",
				Help:    "Histogram of single-account scoring latencies.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_jobs_total",
				Help: "Total number of jobs processed, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadradar_active_workers",
				Help: "Number of workers currently processing a job.",
			},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAccountDiscovered increments the discovery counter for a source.
func ObserveAccountDiscovered(source string) {
	accountsDiscoveredTotal.WithLabelValues(source).Inc()
}

// ObserveEnrichment increments the enrichment counter for a status.
func ObserveEnrichment(status string) {
	enrichmentsTotal.WithLabelValues(status).Inc()
}

// ObserveLeadScored records one scored lead and its latency.
func ObserveLeadScored(scorer string, duration time.Duration) {
	leadsScoredTotal.WithLabelValues(scorer).Inc()
	scoringDurationSeconds.Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given type and status.
func ObserveJob(jobType, status string) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
