package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"addonrt_http_requests_total",
		"addonrt_http_request_duration_seconds",
		"addonrt_http_request_size_bytes",
		"addonrt_http_response_size_bytes",
		"addonrt_invocations_total",
		"addonrt_invocation_duration_seconds",
		"addonrt_invocation_exceptions_total",
		"addonrt_invocations_skipped_total",
		"addonrt_invocation_lock_wait_seconds",
		"addonrt_scheduled_invocations",
		"addonrt_transport_requests_total",
		"addonrt_transport_request_duration_seconds",
		"addonrt_credential_refreshes_total",
		"addonrt_circuit_breaker_state",
		"addonrt_capability_cache_hits_total",
		"addonrt_capability_cache_misses_total",
		"addonrt_operations_declared",
		"addonrt_implementations_registered",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordInvocation("storage:list_root_items", "box", "EXCEPTION", "PROVIDER_ERROR", time.Millisecond)
	m.RecordInvocationSkipped("storage:list_root_items")
	m.RecordLockWait(time.Millisecond)
	m.AddScheduled(1)
	m.RecordTransportRequest("box-acme", "GET", 200, time.Millisecond)
	m.RecordCredentialRefresh("box-acme", "success")
	m.SetBreakerState("box-acme", 0)
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()
	m.SetOperationsDeclared("storage", 5)
	m.SetImplementationsRegistered(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/operations/{interface}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/operations/{interface}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("GET", "/readyz", 503, 200*time.Millisecond, 0, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/operations/{interface}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/readyz", "503"))
	if val != 1 {
		t.Errorf("readyz requests = %v, want 1", val)
	}
}

func TestRecordInvocation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInvocation("storage:list_root_items", "box", "SUCCESS", "", 150*time.Millisecond)
	m.RecordInvocation("storage:list_root_items", "box", "EXCEPTION", "OPERATION_NOT_AUTHORIZED", 5*time.Millisecond)

	success := testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("storage:list_root_items", "box", "SUCCESS"))
	if success != 1 {
		t.Errorf("success count = %v, want 1", success)
	}
	failed := testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("storage:list_root_items", "box", "EXCEPTION"))
	if failed != 1 {
		t.Errorf("exception count = %v, want 1", failed)
	}
	kinds := testutil.CollectAndCount(m.InvocationExceptionsTotal)
	if kinds != 1 {
		t.Errorf("exception kind series = %d, want 1 (success records no kind)", kinds)
	}
	count := testutil.CollectAndCount(m.InvocationDuration)
	if count == 0 {
		t.Error("expected invocation duration histogram to have observations")
	}
}

func TestRecordInvocationSkippedAndLockWait(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInvocationSkipped("computing:submit_job")
	m.RecordInvocationSkipped("computing:submit_job")
	m.RecordLockWait(20 * time.Millisecond)

	val := testutil.ToFloat64(m.InvocationsSkippedTotal.WithLabelValues("computing:submit_job"))
	if val != 2 {
		t.Errorf("skipped = %v, want 2", val)
	}
	if testutil.CollectAndCount(m.InvocationLockWait) == 0 {
		t.Error("expected lock wait histogram to have observations")
	}
}

func TestAddScheduled(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.AddScheduled(1)
	m.AddScheduled(1)
	m.AddScheduled(-1)

	val := testutil.ToFloat64(m.ScheduledInvocations)
	if val != 1 {
		t.Errorf("scheduled = %v, want 1", val)
	}
}

func TestRecordTransportRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransportRequest("box-acme", "GET", 401, 100*time.Millisecond)
	m.RecordTransportRequest("box-acme", "GET", 200, 100*time.Millisecond)
	m.RecordTransportRequest("box-acme", "GET", 0, time.Second)

	for _, status := range []string{"401", "200", "0"} {
		val := testutil.ToFloat64(m.TransportRequestsTotal.WithLabelValues("box-acme", "GET", status))
		if val != 1 {
			t.Errorf("transport requests with status %s = %v, want 1", status, val)
		}
	}
}

func TestRecordCredentialRefresh(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCredentialRefresh("box-acme", "success")
	m.RecordCredentialRefresh("box-acme", "failure")
	m.RecordCredentialRefresh("box-acme", "failure")

	val := testutil.ToFloat64(m.CredentialRefreshesTotal.WithLabelValues("box-acme", "failure"))
	if val != 2 {
		t.Errorf("failed refreshes = %v, want 2", val)
	}
}

func TestSetBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetBreakerState("box-acme", 0)
	val := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("box-acme"))
	if val != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", val)
	}

	m.SetBreakerState("box-acme", 1)
	val = testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("box-acme"))
	if val != 1 {
		t.Errorf("circuit breaker state = %v, want 1 (open)", val)
	}
}

func TestRecordCapabilityCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()

	hits := testutil.ToFloat64(m.CapabilityCacheHitsTotal)
	if hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	misses := testutil.ToFloat64(m.CapabilityCacheMissesTotal)
	if misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestSetRegistryGauges(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetOperationsDeclared("storage", 5)
	m.SetOperationsDeclared("citation", 2)
	m.SetImplementationsRegistered(3)

	if val := testutil.ToFloat64(m.OperationsDeclared.WithLabelValues("storage")); val != 5 {
		t.Errorf("storage operations = %v, want 5", val)
	}
	if val := testutil.ToFloat64(m.ImplementationsRegistered); val != 3 {
		t.Errorf("implementations = %v, want 3", val)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/operations/{interface}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/operations/storage", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/operations/{interface}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// Response size should have been recorded.
	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/operations/{interface}/{operation}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/operations/storage/list_root_items", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/operations/{interface}/{operation}", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi, should fall back to raw path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":       httpDurationBuckets,
		"invocation": invocationDurationBuckets,
		"transport":  transportDurationBuckets,
		"lock wait":  lockWaitBuckets,
		"body size":  bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
