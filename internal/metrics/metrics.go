// Package metrics exposes Prometheus instrumentation for the HTTP
// surface, the dispatch pipeline and the job scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartline_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartline_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartline_dispatches_total",
			Help: "Total dispatch attempts by trigger and outcome (sent, transport_failed, or a gate rejection reason)",
		},
		[]string{"trigger_key", "outcome"},
	)

	jobsFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartline_jobs_finalized_total",
			Help: "Total scheduler jobs finalized by type and terminal status",
		},
		[]string{"type", "status"},
	)

	pollTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cartline_poll_tick_duration_seconds",
			Help:    "Scheduler poll tick duration distribution",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15},
		},
	)

	webhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartline_webhooks_received_total",
			Help: "Total platform webhooks received by topic and disposition",
		},
		[]string{"topic", "disposition"},
	)
)

// RecordDispatch increments the dispatch counter.
func RecordDispatch(triggerKey, outcome string) {
	dispatchesTotal.WithLabelValues(triggerKey, outcome).Inc()
}

// RecordJobFinalized increments the job finalization counter.
func RecordJobFinalized(jobType, status string) {
	jobsFinalizedTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveTick records one poll tick's duration.
func ObserveTick(d time.Duration) {
	pollTickDuration.Observe(d.Seconds())
}

// RecordWebhook increments the webhook intake counter.
func RecordWebhook(topic, disposition string) {
	webhooksReceivedTotal.WithLabelValues(topic, disposition).Inc()
}

// Middleware instruments HTTP requests with count and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
