// Package metrics exposes the process-wide Prometheus collectors for the
// HTTP API and artifact uploads. Task lifecycle collectors live in the
// progress sinks.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	artifactUploadsTotal       *prometheus.CounterVec
	artifactBytesTotal         *prometheus.CounterVec
	tasksForcedViaAPITotal     *prometheus.CounterVec
	launchesRejectedTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskprogress_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskprogress_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		artifactUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskprogress_artifact_uploads_total",
				Help: "Task output uploads, labeled by task kind and result.",
			},
			[]string{"kind", "result"},
		)

		artifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskprogress_artifact_bytes_total",
				Help: "Bytes of task output uploaded, labeled by task kind.",
			},
			[]string{"kind"},
		)

		tasksForcedViaAPITotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskprogress_api_force_finish_total",
				Help: "Tasks force-finished through the HTTP API, labeled by kind.",
			},
			[]string{"kind"},
		)

		launchesRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskprogress_launches_rejected_total",
				Help: "Template launches turned away, labeled by kind and reason.",
			},
			[]string{"kind", "reason"},
		)
	})
}

var knownKinds = map[string]struct{}{
	"generic":   {},
	"train":     {},
	"inference": {},
	"export":    {},
}

// KindLabel normalizes a task kind for use as a label value. Unknown kinds
// collapse to "other" so label cardinality stays bounded.
func KindLabel(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	if _, ok := knownKinds[k]; ok {
		return k
	}
	return "other"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveArtifactUpload records one upload attempt for a task.
func ObserveArtifactUpload(kind string, bytesUploaded int64, err error) {
	label := KindLabel(kind)
	result := "success"
	if err != nil {
		result = "error"
	}
	artifactUploadsTotal.WithLabelValues(label, result).Inc()
	if bytesUploaded > 0 {
		artifactBytesTotal.WithLabelValues(label).Add(float64(bytesUploaded))
	}
}

// ObserveForceFinish counts a force-finish issued through the API.
func ObserveForceFinish(kind string) {
	tasksForcedViaAPITotal.WithLabelValues(KindLabel(kind)).Inc()
}

// ObserveLaunchRejected counts a template launch refused for reason
// ("rate_limited" or "queue_full").
func ObserveLaunchRejected(kind, reason string) {
	launchesRejectedTotal.WithLabelValues(KindLabel(kind), reason).Inc()
}
