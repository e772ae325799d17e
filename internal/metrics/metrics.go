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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatches_total",
			Help: "Total dispatcher invocations by kind (new or reminder)",
		},
		[]string{"kind"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Total delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_send_duration_seconds",
			Help:    "Per-recipient send latency distribution",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	invalidTargetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_invalid_targets_total",
			Help: "Targeting entries that referenced unknown teams or users",
		},
	)

	schedulerCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_scheduler_cycles_total",
			Help: "Completed reminder scheduler cycles",
		},
	)

	schedulerCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_scheduler_cycle_duration_seconds",
			Help:    "Reminder scheduler cycle duration distribution",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	activeAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_active_alerts",
			Help: "Alerts inside their active window as of the last cycle",
		},
	)

	preferenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_preference_transitions_total",
			Help: "Preference state transitions by action",
		},
		[]string{"action"},
	)

	versionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_version_conflicts_total",
			Help: "Optimistic lock conflicts on preference records",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_published_total",
			Help: "Alert lifecycle events published on the notifier bus",
		},
		[]string{"type"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one dispatcher invocation
func RecordDispatch(kind string) {
	dispatchesTotal.WithLabelValues(kind).Inc()
}

// RecordDelivery records the outcome of one send attempt
func RecordDelivery(channel string, success bool) {
	outcome := "sent"
	if !success {
		outcome = "failed"
	}
	deliveriesTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordSendDuration records per-recipient send latency
func RecordSendDuration(channel string, duration time.Duration) {
	sendDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordInvalidTargets records skipped targeting entries
func RecordInvalidTargets(count int) {
	invalidTargetsTotal.Add(float64(count))
}

// RecordSchedulerCycle records one completed scheduler cycle
func RecordSchedulerCycle(duration time.Duration) {
	schedulerCyclesTotal.Inc()
	schedulerCycleDuration.Observe(duration.Seconds())
}

// SetActiveAlerts sets the active alert count seen by the last cycle
func SetActiveAlerts(count int) {
	activeAlerts.Set(float64(count))
}

// RecordPreferenceTransition records a preference state transition
func RecordPreferenceTransition(action string) {
	preferenceTransitions.WithLabelValues(action).Inc()
}

// RecordVersionConflict records a lost optimistic-lock race
func RecordVersionConflict() {
	versionConflictsTotal.Inc()
}

// RecordEventPublished records one notifier publication
func RecordEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
