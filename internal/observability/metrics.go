package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intraflow"

// operationBuckets extend past the HTTP defaults to cover notification fan-out.
var operationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics holds the service's Prometheus instruments.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	RequestsSubmittedTotal   *prometheus.CounterVec
	RequestTransitionsTotal  *prometheus.CounterVec
	RequestOperationsTotal   *prometheus.CounterVec
	RequestOperationDuration *prometheus.HistogramVec
	RequestsOverdue          *prometheus.GaugeVec
	RequestsCached           prometheus.Gauge

	ActionRequestsOpenedTotal *prometheus.CounterVec
	ActionResponsesTotal      *prometheus.CounterVec

	NotificationsSentTotal      *prometheus.CounterVec
	NotificationsFailedTotal    *prometheus.CounterVec
	NotifierCircuitBreakerState *prometheus.GaugeVec
	UploadsTotal                *prometheus.CounterVec

	SequenceFailuresTotal  prometheus.Counter
	IdempotentReplaysTotal prometheus.Counter
	DefinitionReloadTotal  *prometheus.CounterVec
	DefinitionsLoaded      prometheus.Gauge
}

// InitMetrics registers every instrument with reg. It panics when called
// twice against the same registry.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	route := []string{"method", "path_pattern"}
	sizes := prometheus.ExponentialBuckets(100, 10, 5)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, append(route, "status")),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency.", Buckets: prometheus.DefBuckets,
		}, route),
		HTTPRequestSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_size_bytes",
			Help: "Declared request body size.", Buckets: sizes,
		}, route),
		HTTPResponseSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
			Help: "Response body bytes written.", Buckets: sizes,
		}, route),

		RequestsSubmittedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_submitted_total",
			Help: "Requests created, by workflow type.",
		}, []string{"type"}),
		RequestTransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_transitions_total",
			Help: "Status changes, by workflow type and target status.",
		}, []string{"type", "status"}),
		RequestOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_operations_total",
			Help: "Engine operations, by outcome (ok or error code).",
		}, []string{"operation", "outcome"}),
		RequestOperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_operation_duration_seconds",
			Help: "Engine operation latency.", Buckets: operationBuckets,
		}, []string{"operation"}),
		RequestsOverdue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests_overdue",
			Help: "Open requests past their due date at the last sweep.",
		}, []string{"type"}),
		RequestsCached: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests_cached",
			Help: "Requests held by the read cache.",
		}),

		ActionRequestsOpenedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "action", Name: "requests_opened_total",
			Help: "Per-user action records opened.",
		}, []string{"action_type"}),
		ActionResponsesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "action", Name: "responses_total",
			Help: "Action responses, by answer.",
		}, []string{"action_type", "response"}),

		NotificationsSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "sent_total",
			Help: "Notifications delivered, by channel.",
		}, []string{"channel"}),
		NotificationsFailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "failed_total",
			Help: "Notification deliveries that failed, by channel.",
		}, []string{"channel"}),
		NotifierCircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "circuit_breaker_state",
			Help: "Breaker state per channel: 0 closed, 1 half-open, 2 open.",
		}, []string{"channel"}),
		UploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_total",
			Help: "Attachment uploads, by outcome.",
		}, []string{"outcome"}),

		SequenceFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sequence_failures_total",
			Help: "Display id allocations that failed.",
		}),
		IdempotentReplaysTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "idempotent_replays_total",
			Help: "Submissions answered from the idempotency store.",
		}),
		DefinitionReloadTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "definition_reload_total",
			Help: "Definition reloads, by result.",
		}, []string{"status"}),
		DefinitionsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "definitions_loaded",
			Help: "Workflow definitions currently loaded.",
		}),
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int64) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmission records a created request.
func (m *Metrics) RecordSubmission(requestType string) {
	m.RequestsSubmittedTotal.WithLabelValues(requestType).Inc()
}

// RecordTransition records a status change.
func (m *Metrics) RecordTransition(requestType, status string) {
	m.RequestTransitionsTotal.WithLabelValues(requestType, status).Inc()
}

// RecordOperation records the outcome and duration of an engine operation.
// Outcome is "ok" or the error code.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	m.RequestOperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.RequestOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetOverdue sets the overdue count for a request type.
func (m *Metrics) SetOverdue(requestType string, count float64) {
	m.RequestsOverdue.WithLabelValues(requestType).Set(count)
}

// ResetOverdue clears all overdue gauges before a new sweep.
func (m *Metrics) ResetOverdue() {
	m.RequestsOverdue.Reset()
}

// SetRequestsCached sets the read cache size.
func (m *Metrics) SetRequestsCached(count float64) {
	m.RequestsCached.Set(count)
}

// RecordActionOpened records newly opened action records.
func (m *Metrics) RecordActionOpened(actionType string, count int) {
	m.ActionRequestsOpenedTotal.WithLabelValues(actionType).Add(float64(count))
}

// RecordActionResponse records an action response.
func (m *Metrics) RecordActionResponse(actionType, response string) {
	m.ActionResponsesTotal.WithLabelValues(actionType, response).Inc()
}

// RecordNotification records a delivery attempt on a channel.
func (m *Metrics) RecordNotification(channel string, ok bool) {
	if ok {
		m.NotificationsSentTotal.WithLabelValues(channel).Inc()
		return
	}
	m.NotificationsFailedTotal.WithLabelValues(channel).Inc()
}

// SetNotifierCircuitBreakerState sets the breaker state for a channel.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierCircuitBreakerState(channel string, state float64) {
	m.NotifierCircuitBreakerState.WithLabelValues(channel).Set(state)
}

// RecordUpload records an attachment upload outcome.
func (m *Metrics) RecordUpload(outcome string) {
	m.UploadsTotal.WithLabelValues(outcome).Inc()
}

// RecordSequenceFailure records a failed id allocation.
func (m *Metrics) RecordSequenceFailure() {
	m.SequenceFailuresTotal.Inc()
}

// RecordIdempotentReplay records a replayed submission.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// MetricsMiddleware records request count, latency and sizes labelled by the
// chi route pattern rather than the raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := Record(w)
		next.ServeHTTP(rec, r)

		route := RoutePattern(r)
		if route == "" {
			route = unmatchedRoute
		}
		m.RecordHTTPRequest(r.Method, route, rec.Status, time.Since(start), max(r.ContentLength, 0), rec.Bytes)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
