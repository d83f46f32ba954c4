// Package metrics exposes Prometheus collectors for the frontier services.
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
	ticksTotal              *prometheus.CounterVec
	tickDurationSeconds     *prometheus.HistogramVec
	activeWorkers           *prometheus.GaugeVec
	claimsTotal             *prometheus.CounterVec
	profilesPrunedTotal     prometheus.Counter
	frontierUpsertsTotal    *prometheus.CounterVec
	repoQueueEnqueuedTotal  prometheus.Counter
	queryPagesTotal         *prometheus.CounterVec
	upstreamRequestsTotal   *prometheus.CounterVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ticksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_ticks_total",
				Help: "Worker ticks, labeled by service and outcome.",
			},
			[]string{"service", "outcome"},
		)

		tickDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontier_tick_duration_seconds",
				Help:    "Histogram of worker tick durations, labeled by service.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300},
			},
			[]string{"service"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontier_active_workers",
				Help: "Number of workers currently inside a tick, labeled by service.",
			},
			[]string{"service"},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_claims_total",
				Help: "Work items claimed, labeled by kind (profile, repo, query_repos, query_users).",
			},
			[]string{"kind"},
		)

		profilesPrunedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_profiles_pruned_total",
				Help: "Profiles deleted because the login no longer exists upstream.",
			},
		)

		frontierUpsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_upserts_total",
				Help: "Frontier seed upserts, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		repoQueueEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_repo_queue_enqueued_total",
				Help: "Repositories added to the repo queue.",
			},
		)

		queryPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_query_pages_total",
				Help: "Keyword search pages fetched, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_upstream_requests_total",
				Help: "Requests to the code hosting API, labeled by status code.",
			},
			[]string{"code"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
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

// ObserveTick records one completed worker tick.
func ObserveTick(service, outcome string, duration time.Duration) {
	ticksTotal.WithLabelValues(service, outcome).Inc()
	tickDurationSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(service string) {
	activeWorkers.WithLabelValues(service).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(service string) {
	activeWorkers.WithLabelValues(service).Dec()
}

// ObserveClaim counts one claimed work item.
func ObserveClaim(kind string) {
	claimsTotal.WithLabelValues(kind).Inc()
}

// ObserveProfilePruned counts a profile removed after a not-found scrape.
func ObserveProfilePruned() {
	profilesPrunedTotal.Inc()
}

// ObserveFrontierUpsert counts one frontier seed write.
func ObserveFrontierUpsert(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	frontierUpsertsTotal.WithLabelValues(source, result).Inc()
}

// ObserveRepoEnqueued counts one repo queue insert.
func ObserveRepoEnqueued() {
	repoQueueEnqueuedTotal.Inc()
}

// ObserveQueryPage counts one keyword search page.
func ObserveQueryPage(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	queryPagesTotal.WithLabelValues(kind, result).Inc()
}

// ObserveUpstreamRequest counts one request to the code hosting API.
func ObserveUpstreamRequest(code int) {
	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}
