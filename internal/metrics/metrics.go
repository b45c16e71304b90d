// Package metrics exposes Prometheus collectors for the HTTP surface, the
// dispatch loop and the content pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	dbConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	schedulesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_schedules_dispatched_total",
			Help: "Due schedules processed by the poller, by result",
		},
		[]string{"result"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_queue_depth",
			Help: "Queued dispatch messages by status",
		},
		[]string{"status"},
	)

	queueDeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_queue_dead_letters_total",
			Help: "Messages moved to the dead-letter table",
		},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_executions_total",
			Help: "Executions that reached a terminal state",
		},
		[]string{"request_type", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_execution_duration_seconds",
			Help:    "Wall time of a single execution attempt",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"request_type"},
	)

	executionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_execution_retries_total",
			Help: "Execution attempts scheduled for retry after a transient error",
		},
		[]string{"request_type"},
	)

	generationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_generation_calls_total",
			Help: "Calls to the generation provider",
		},
		[]string{"kind", "status"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_generation_duration_seconds",
			Help:    "Generation provider latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	publishAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_publish_attempts_total",
			Help: "Per-channel publish attempts",
		},
		[]string{"channel", "status"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

func UpdateDBStats(open, inUse int) {
	dbConnectionsOpen.Set(float64(open))
	dbConnectionsInUse.Set(float64(inUse))
}

// RecordDispatch counts a due schedule by result: dispatched, skipped,
// completed, failed or error.
func RecordDispatch(result string) {
	schedulesDispatched.WithLabelValues(result).Inc()
}

func UpdateQueueDepth(depth map[string]int) {
	for status, n := range depth {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

func RecordDeadLetter() {
	queueDeadLetters.Inc()
}

func RecordExecution(requestType, status string, duration time.Duration) {
	executionsFinished.WithLabelValues(requestType, status).Inc()
	executionDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

func RecordRetry(requestType string) {
	executionRetries.WithLabelValues(requestType).Inc()
}

func RecordGeneration(kind string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	generationCalls.WithLabelValues(kind, status).Inc()
	generationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordPublish(channel, status string) {
	publishAttempts.WithLabelValues(channel, status).Inc()
}

// NormalizePath replaces path segments that look like identifiers with ":id"
// so label cardinality stays bounded.
func NormalizePath(path string) string {
	if len(path) > 100 {
		path = path[:100]
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func looksLikeID(seg string) bool {
	if len(seg) < 16 {
		return false
	}
	digits := 0
	for _, r := range seg {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '-', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return digits > 0
}
