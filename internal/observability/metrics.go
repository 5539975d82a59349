package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	invocationDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	transportDurationBuckets  = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	lockWaitBuckets           = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the runtime.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Invocation metrics
	InvocationsTotal          *prometheus.CounterVec
	InvocationDuration        *prometheus.HistogramVec
	InvocationExceptionsTotal *prometheus.CounterVec
	InvocationsSkippedTotal   *prometheus.CounterVec
	InvocationLockWait        prometheus.Histogram
	ScheduledInvocations      prometheus.Gauge

	// Transport metrics
	TransportRequestsTotal   *prometheus.CounterVec
	TransportRequestDuration *prometheus.HistogramVec
	CredentialRefreshesTotal *prometheus.CounterVec
	CircuitBreakerState      *prometheus.GaugeVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// System metrics
	OperationsDeclared        *prometheus.GaugeVec
	ImplementationsRegistered prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addonrt_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "addonrt_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "addonrt_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "addonrt_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Invocations
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addonrt_invocations_total",
			Help: "Total number of executed invocations by terminal status.",
		}, []string{"operation", "implementation", "status"}),
		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "addonrt_invocation_duration_seconds",
			Help:    "Invocation execution duration in seconds, lock wait excluded.",
			Buckets: invocationDurationBuckets,
		}, []string{"operation"}),
		InvocationExceptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addonrt_invocation_exceptions_total",
			Help: "Total number of invocations that ended in EXCEPTION, by kind.",
		}, []string{"operation", "exception_kind"}),
		InvocationsSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addonrt_invocations_skipped_total",
			Help: "Total number of executions that found the invocation already terminal.",
		}, []string{"operation"}),
		InvocationLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "addonrt_invocation_lock_wait_seconds",
			Help:    "Time spent waiting for the invocation record lock.",
			Buckets: lockWaitBuckets,
		}),
		ScheduledInvocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addonrt_scheduled_invocations",
			Help: "Number of EVENTUAL invocations queued or running in the scheduler.",
		}),

		// Transport
		TransportRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addonrt_transport_requests_total",
			Help: "Total number of outbound requests to integrations.",
		}, []string{"integration_id", "method", "status"}),
		TransportRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "addonrt_transport_request_duration_seconds",
			Help:    "Outbound request duration in seconds.",
			Buckets: transportDurationBuckets,
		}, []string{"integration_id"}),
		CredentialRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addonrt_credential_refreshes_total",
			Help: "Total number of credential refresh attempts.",
		}, []string{"integration_id", "outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "addonrt_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"integration_id"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addonrt_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addonrt_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		// System
		OperationsDeclared: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "addonrt_operations_declared",
			Help: "Number of operations declared per interface.",
		}, []string{"interface"}),
		ImplementationsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addonrt_implementations_registered",
			Help: "Number of registered implementations.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Invocations
		m.InvocationsTotal,
		m.InvocationDuration,
		m.InvocationExceptionsTotal,
		m.InvocationsSkippedTotal,
		m.InvocationLockWait,
		m.ScheduledInvocations,
		// Transport
		m.TransportRequestsTotal,
		m.TransportRequestDuration,
		m.CredentialRefreshesTotal,
		m.CircuitBreakerState,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		// System
		m.OperationsDeclared,
		m.ImplementationsRegistered,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInvocation records one execution that reached a terminal status.
// exceptionKind is empty for successful invocations.
func (m *Metrics) RecordInvocation(operation, implementation, status, exceptionKind string, duration time.Duration) {
	m.InvocationsTotal.WithLabelValues(operation, implementation, status).Inc()
	m.InvocationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if exceptionKind != "" {
		m.InvocationExceptionsTotal.WithLabelValues(operation, exceptionKind).Inc()
	}
}

// RecordInvocationSkipped records an execution that found a terminal record.
func (m *Metrics) RecordInvocationSkipped(operation string) {
	m.InvocationsSkippedTotal.WithLabelValues(operation).Inc()
}

// RecordLockWait records time spent acquiring an invocation lock.
func (m *Metrics) RecordLockWait(duration time.Duration) {
	m.InvocationLockWait.Observe(duration.Seconds())
}

// AddScheduled adjusts the number of scheduled EVENTUAL invocations.
func (m *Metrics) AddScheduled(delta float64) {
	m.ScheduledInvocations.Add(delta)
}

// RecordTransportRequest records one physical outbound request. A zero
// status means the request never produced a response.
func (m *Metrics) RecordTransportRequest(integrationID, method string, status int, duration time.Duration) {
	m.TransportRequestsTotal.WithLabelValues(integrationID, method, strconv.Itoa(status)).Inc()
	m.TransportRequestDuration.WithLabelValues(integrationID).Observe(duration.Seconds())
}

// RecordCredentialRefresh records a refresh attempt with outcome
// "success" or "failure".
func (m *Metrics) RecordCredentialRefresh(integrationID, outcome string) {
	m.CredentialRefreshesTotal.WithLabelValues(integrationID, outcome).Inc()
}

// SetBreakerState records the circuit breaker state for an integration.
func (m *Metrics) SetBreakerState(integrationID string, state float64) {
	m.CircuitBreakerState.WithLabelValues(integrationID).Set(state)
}

// RecordCapabilityCacheHit increments the capability cache hit counter.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss increments the capability cache miss counter.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// SetOperationsDeclared records the declared operation count of an interface.
func (m *Metrics) SetOperationsDeclared(iface string, count float64) {
	m.OperationsDeclared.WithLabelValues(iface).Set(count)
}

// SetImplementationsRegistered records the registered implementation count.
func (m *Metrics) SetImplementationsRegistered(count float64) {
	m.ImplementationsRegistered.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware records request count, latency and sizes labelled by
// chi route pattern.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(w)
		next.ServeHTTP(rec, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, RoutePattern(r), rec.Status, time.Since(start), reqSize, rec.Bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
