package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forkchat",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames written to chat streams, by tag.",
		},
		[]string{"tag"},
	)
	streamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forkchat",
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Wall time of one streamed turn.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"finish_reason"},
	)
	toolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forkchat",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Sandbox executions, by outcome.",
		},
		[]string{"success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forkchat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesEmitted, streamDuration, toolExecutions, httpRequests)
	})
}

func RecordFrame(tag string) {
	RegisterMetrics()
	framesEmitted.WithLabelValues(tag).Inc()
}

func RecordStream(finishReason string, duration time.Duration) {
	RegisterMetrics()
	streamDuration.WithLabelValues(finishReason).Observe(duration.Seconds())
}

func RecordToolExecution(success bool) {
	RegisterMetrics()
	toolExecutions.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
