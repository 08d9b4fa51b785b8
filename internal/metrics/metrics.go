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
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edward_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveRuns tracks currently active orchestrator runs
	ActiveRuns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edward_active_runs",
			Help: "Number of active stream session runs",
		},
		[]string{"user_id"},
	)

	// RunDuration tracks how long a run executes
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edward_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// EventBufferDrops tracks dropped stream events due to buffer overflow
	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_event_buffer_drops_total",
			Help: "Total number of stream events dropped due to buffer overflow",
		},
		[]string{"run_id"},
	)

	// SandboxesRunning tracks running sandbox containers, paused or active
	SandboxesRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edward_sandboxes_running",
			Help: "Number of sandbox containers currently managed",
		},
		[]string{"state"},
	)

	// SandboxPoolSize tracks the warm pool of pre-created paused sandboxes
	SandboxPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edward_sandbox_pool_size",
			Help: "Number of pre-provisioned idle sandboxes available in the warm pool",
		},
	)

	// ToolCalls tracks agentic tool invocations during a run
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_tool_calls_total",
			Help: "Total number of agentic tool calls",
		},
		[]string{"tool", "status"},
	)

	// WorkflowPhaseOutcomes tracks workflow engine phase transitions
	WorkflowPhaseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_workflow_phase_outcomes_total",
			Help: "Total number of workflow phase executions by outcome",
		},
		[]string{"phase", "outcome"},
	)

	// GateRejections tracks concurrency gate rejections
	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_gate_rejections_total",
			Help: "Total number of requests rejected by the per-user concurrency gate",
		},
		[]string{"user_id"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/stream", "/metrics":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStart increments the active run gauge
func RecordRunStart(userID string) {
	ActiveRuns.WithLabelValues(userID).Inc()
}

// RecordRunEnd decrements the active run gauge and records duration
func RecordRunEnd(userID, status string, durationSeconds float64) {
	ActiveRuns.WithLabelValues(userID).Dec()
	RunDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordToolCall records an agentic tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// SetSandboxesRunning sets the sandbox count for a given state (active, paused)
func SetSandboxesRunning(state string, count float64) {
	SandboxesRunning.WithLabelValues(state).Set(count)
}

// SetSandboxPoolSize sets the current warm pool size
func SetSandboxPoolSize(count float64) {
	SandboxPoolSize.Set(count)
}

// RecordEventDrop records a stream event buffer drop
func RecordEventDrop(runID string) {
	EventBufferDrops.WithLabelValues(runID).Inc()
}

// RecordWorkflowPhase records a workflow phase outcome (ok, retry, fail)
func RecordWorkflowPhase(phase, outcome string) {
	WorkflowPhaseOutcomes.WithLabelValues(phase, outcome).Inc()
}

// RecordGateRejection records a concurrency gate rejection for a user
func RecordGateRejection(userID string) {
	GateRejections.WithLabelValues(userID).Inc()
}
